package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/opst/gpuplane/cmd/dispatcher/dispatch"
	"github.com/opst/gpuplane/pkg/bus"
	kdb "github.com/opst/gpuplane/pkg/db"
	kdbmock "github.com/opst/gpuplane/pkg/db/mocks"
	"github.com/opst/gpuplane/pkg/workloads/worker"
	kubebatch "k8s.io/api/batch/v1"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeMessage struct {
	data       []byte
	deliveries int
	acked      bool
	naked      bool
}

var _ bus.Message = &fakeMessage{}

func (m *fakeMessage) Subject() string { return "gpu.jobs.dispatched.t4.shared" }
func (m *fakeMessage) Data() []byte    { return m.data }
func (m *fakeMessage) Deliveries() int {
	if m.deliveries == 0 {
		return 1
	}
	return m.deliveries
}
func (m *fakeMessage) Ack() error { m.acked = true; return nil }
func (m *fakeMessage) Nak() error { m.naked = true; return nil }

func dispatchedEvent(t *testing.T, jobId, token string) []byte {
	t.Helper()
	data, err := json.Marshal(bus.Dispatched{
		TenantId: "tenant-a", ProjectId: "project-1",
		JobId: jobId, DispatchToken: token,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type fakeRunner struct {
	calls []string
	err   error
}

func (r *fakeRunner) Run(_ context.Context, jobId, token string) error {
	r.calls = append(r.calls, jobId+"/"+token)
	return r.err
}

func TestHandle_MalformedEventIsDropped(t *testing.T) {
	runner := &fakeRunner{}
	handler := dispatch.NewDirect(quietLogger(), kdbmock.NewGpuJobInterface(), runner)

	for name, data := range map[string][]byte{
		"not json":      []byte("not-json"),
		"missing token": dispatchedEvent(t, "job-1", ""),
		"missing job":   dispatchedEvent(t, "", "token-1"),
	} {
		t.Run(name, func(t *testing.T) {
			msg := &fakeMessage{data: data}
			handler.Handle(context.Background(), msg)

			if !msg.acked {
				t.Error("malformed events should be acked away")
			}
			if len(runner.calls) != 0 {
				t.Error("runner should not be invoked")
			}
		})
	}
}

func TestHandle_Direct(t *testing.T) {
	t.Run("success acks", func(t *testing.T) {
		runner := &fakeRunner{}
		handler := dispatch.NewDirect(quietLogger(), kdbmock.NewGpuJobInterface(), runner)

		msg := &fakeMessage{data: dispatchedEvent(t, "job-1", "token-1")}
		handler.Handle(context.Background(), msg)

		if !msg.acked || msg.naked {
			t.Errorf("ack/nak: actual=(%v, %v), expect=(true, false)", msg.acked, msg.naked)
		}
		if len(runner.calls) != 1 || runner.calls[0] != "job-1/token-1" {
			t.Errorf("runner calls: actual=%v", runner.calls)
		}
	})

	t.Run("infra error nacks for redelivery", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("store down")}
		handler := dispatch.NewDirect(quietLogger(), kdbmock.NewGpuJobInterface(), runner)

		msg := &fakeMessage{data: dispatchedEvent(t, "job-1", "token-1")}
		handler.Handle(context.Background(), msg)

		if msg.acked || !msg.naked {
			t.Errorf("ack/nak: actual=(%v, %v), expect=(false, true)", msg.acked, msg.naked)
		}
	})
}

type fakeLauncher struct {
	launched []*kubebatch.Job
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, job *kubebatch.Job) error {
	if l.err != nil {
		return l.err
	}
	l.launched = append(l.launched, job)
	return nil
}

func ephemeralHandler(jobs kdb.GpuJobInterface, launcher worker.Launcher) *dispatch.Handler {
	builder := worker.Builder{
		Namespace:    "gpuplane-system",
		Image:        "gpuplane/executor:latest",
		ResourceName: "nvidia.com/gpu",
	}
	return dispatch.NewEphemeral(
		quietLogger(), jobs, builder, launcher, kdb.PoolT4, kdb.Shared,
	)
}

func TestHandle_Ephemeral(t *testing.T) {
	t.Run("launches a unit and acks", func(t *testing.T) {
		launcher := &fakeLauncher{}
		handler := ephemeralHandler(kdbmock.NewGpuJobInterface(), launcher)

		msg := &fakeMessage{data: dispatchedEvent(t, "job-1", "token-1")}
		handler.Handle(context.Background(), msg)

		if !msg.acked {
			t.Error("message should be acked")
		}
		if len(launcher.launched) != 1 {
			t.Fatalf("launched units: actual=%d, expect=1", len(launcher.launched))
		}

		unit := launcher.launched[0]
		env := map[string]string{}
		for _, e := range unit.Spec.Template.Spec.Containers[0].Env {
			env[e.Name] = e.Value
		}
		if env["JOB_ID"] != "job-1" || env["DISPATCH_TOKEN"] != "token-1" {
			t.Errorf("unit env: actual=%v", env)
		}
	})

	t.Run("launch failure nacks under the cap", func(t *testing.T) {
		launcher := &fakeLauncher{err: errors.New("api server down")}
		jobs := kdbmock.NewGpuJobInterface() // panics if FailDispatched is called
		handler := ephemeralHandler(jobs, launcher)

		msg := &fakeMessage{data: dispatchedEvent(t, "job-1", "token-1"), deliveries: 2}
		handler.Handle(context.Background(), msg)

		if msg.acked || !msg.naked {
			t.Errorf("ack/nak: actual=(%v, %v), expect=(false, true)", msg.acked, msg.naked)
		}
	})

	t.Run("launch failure at the cap fails the job", func(t *testing.T) {
		launcher := &fakeLauncher{err: errors.New("api server down")}

		jobs := kdbmock.NewGpuJobInterface()
		jobs.Impl.FailDispatched = func(_ context.Context, jobId, token, errorString string) (bool, error) {
			if jobId != "job-1" || token != "token-1" {
				t.Errorf("fail: actual=(%s, %s)", jobId, token)
			}
			if errorString != "dispatch_launch_failed" {
				t.Errorf("error string: actual=%s, expect=dispatch_launch_failed", errorString)
			}
			return true, nil
		}

		handler := ephemeralHandler(jobs, launcher)

		msg := &fakeMessage{
			data:       dispatchedEvent(t, "job-1", "token-1"),
			deliveries: dispatch.RedeliveryCap,
		}
		handler.Handle(context.Background(), msg)

		if !msg.acked {
			t.Error("message should be acked after failing the job")
		}
		if jobs.Calls.FailDispatched.Times() != 1 {
			t.Errorf("fail calls: actual=%d, expect=1", jobs.Calls.FailDispatched.Times())
		}
	})
}

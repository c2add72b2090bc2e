package executor_test

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opst/gpuplane/pkg/bus"
	"github.com/opst/gpuplane/pkg/bus/inmemory"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	kdbmock "github.com/opst/gpuplane/pkg/db/mocks"
	"github.com/opst/gpuplane/pkg/executor"
	"github.com/opst/gpuplane/pkg/utils/try"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func gpuConfig(t *testing.T, gpuYaml string) *cfg.GpuConfig {
	t.Helper()
	conf := try.To(cfg.Unmarshal([]byte(`
database: postgres://fake
bus: nats://fake
gpu:
` + gpuYaml))).OrFatal(t)
	return conf.Gpu()
}

func runningJob(id, token string) kdb.GpuJob {
	started := time.Now()
	return kdb.GpuJob{
		Id:            id,
		TenantId:      "tenant-a",
		ProjectId:     "project-1",
		PoolRequested: kdb.PoolT4,
		PoolAssigned:  kdb.PoolT4,
		Isolation:     kdb.Shared,
		Status:        kdb.Running,
		DispatchToken: token,
		TargetUrl:     "http://model.example.local/predict",
		RequestJson:   json.RawMessage(`{"input": [1, 2, 3]}`),
		StartedAt:     &started,
	}
}

func TestRun_StaleTokenIsNoOp(t *testing.T) {
	jobs := kdbmock.NewGpuJobInterface()
	jobs.Impl.PickToRun = func(_ context.Context, jobId, token string) (kdb.GpuJob, bool, error) {
		return kdb.GpuJob{}, false, nil // another executor owns it
	}

	usage := kdbmock.NewUsageInterface() // panics if touched

	testee := executor.New(jobs, usage, gpuConfig(t, `  simulateDelay: 0s`), executor.WithLogger(quietLogger()))

	if err := testee.Run(context.Background(), "job-1", "stale-token"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if jobs.Calls.Finish.Times() != 0 {
		t.Error("finish should not be called for a stale token")
	}
	if usage.Calls.Append.Times() != 0 {
		t.Error("usage should not be recorded for a stale token")
	}
}

func TestRun_SimulateSucceeds(t *testing.T) {
	job := runningJob("job-1", "token-1")

	jobs := kdbmock.NewGpuJobInterface()
	jobs.Impl.PickToRun = func(_ context.Context, jobId, token string) (kdb.GpuJob, bool, error) {
		if jobId != "job-1" || token != "token-1" {
			t.Errorf("pick: actual=(%s, %s), expect=(job-1, token-1)", jobId, token)
		}
		return job, true, nil
	}
	jobs.Impl.Finish = func(_ context.Context, jobId, token string, result kdb.GpuJobResult) (kdb.GpuJob, bool, error) {
		if result.Status != kdb.Succeeded {
			t.Errorf("status: actual=%s, expect=SUCCEEDED", result.Status)
		}
		if len(result.ResponseJson) == 0 {
			t.Error("response json should be set")
		}

		finished := job
		finished.Status = result.Status
		finished.ResponseJson = result.ResponseJson
		at := job.StartedAt.Add(3 * time.Second)
		finished.FinishedAt = &at
		return finished, true, nil
	}

	usage := kdbmock.NewUsageInterface()
	usage.Impl.Append = func(_ context.Context, record kdb.UsageRecord) error {
		if record.SubjectType != "gpu_job" || record.SubjectId != "job-1" {
			t.Errorf("subject: actual=(%s, %s), expect=(gpu_job, job-1)", record.SubjectType, record.SubjectId)
		}
		if record.Meter != "gpu_seconds" {
			t.Errorf("meter: actual=%s, expect=gpu_seconds", record.Meter)
		}
		if record.Quantity != 3 {
			t.Errorf("quantity: actual=%f, expect=3 (finished - started)", record.Quantity)
		}
		if record.Labels["pool"] != "t4" || record.Labels["isolation"] != "shared" {
			t.Errorf("labels: actual=%v", record.Labels)
		}
		return nil
	}

	events := inmemory.New()
	sub := try.To(events.Subscribe(bus.SubjectFinished, "test")).OrFatal(t)

	testee := executor.New(
		jobs, usage, gpuConfig(t, `  simulateDelay: 0s`),
		executor.WithEvents(events), executor.WithLogger(quietLogger()),
	)

	if err := testee.Run(context.Background(), "job-1", "token-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if usage.Calls.Append.Times() != 1 {
		t.Errorf("usage rows: actual=%d, expect=1", usage.Calls.Append.Times())
	}

	msgs := try.To(sub.Fetch(context.Background(), 10, 10*time.Millisecond)).OrFatal(t)
	if len(msgs) != 1 {
		t.Fatalf("finished events: actual=%d, expect=1", len(msgs))
	}
	var finished bus.Finished
	if err := json.Unmarshal(msgs[0].Data(), &finished); err != nil {
		t.Fatal(err)
	}
	if finished.JobId != "job-1" || finished.Status != "SUCCEEDED" {
		t.Errorf("finished event: actual=%+v", finished)
	}
}

func TestRun_HttpExecutor(t *testing.T) {
	t.Run("posts request_json and stores the response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"input": [1, 2, 3]}` {
				t.Errorf("posted body: actual=%s", string(body))
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"output": [4]}`))
		}))
		defer server.Close()

		job := runningJob("job-1", "token-1")
		job.TargetUrl = server.URL

		jobs := kdbmock.NewGpuJobInterface()
		jobs.Impl.PickToRun = func(context.Context, string, string) (kdb.GpuJob, bool, error) {
			return job, true, nil
		}
		jobs.Impl.Finish = func(_ context.Context, _, _ string, result kdb.GpuJobResult) (kdb.GpuJob, bool, error) {
			if result.Status != kdb.Succeeded {
				t.Errorf("status: actual=%s, expect=SUCCEEDED (error=%s)", result.Status, result.Error)
			}
			if string(result.ResponseJson) != `{"output": [4]}` {
				t.Errorf("response: actual=%s", string(result.ResponseJson))
			}
			finished := job
			finished.Status = result.Status
			at := job.StartedAt.Add(time.Second)
			finished.FinishedAt = &at
			return finished, true, nil
		}

		usage := kdbmock.NewUsageInterface()
		usage.Impl.Append = func(context.Context, kdb.UsageRecord) error { return nil }

		testee := executor.New(jobs, usage, gpuConfig(t, `  executor: http`), executor.WithLogger(quietLogger()))

		if err := testee.Run(context.Background(), "job-1", "token-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("a non-2xx response fails the job", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model exploded", http.StatusInternalServerError)
		}))
		defer server.Close()

		job := runningJob("job-1", "token-1")
		job.TargetUrl = server.URL

		jobs := kdbmock.NewGpuJobInterface()
		jobs.Impl.PickToRun = func(context.Context, string, string) (kdb.GpuJob, bool, error) {
			return job, true, nil
		}

		failed := false
		jobs.Impl.Finish = func(_ context.Context, _, _ string, result kdb.GpuJobResult) (kdb.GpuJob, bool, error) {
			if result.Status != kdb.Failed {
				t.Errorf("status: actual=%s, expect=FAILED", result.Status)
			}
			if result.Error == "" {
				t.Error("error string should be set")
			}
			failed = true

			finished := job
			finished.Status = result.Status
			finished.Error = result.Error
			at := job.StartedAt.Add(time.Second)
			finished.FinishedAt = &at
			return finished, true, nil
		}

		usage := kdbmock.NewUsageInterface()
		usage.Impl.Append = func(context.Context, kdb.UsageRecord) error { return nil }

		testee := executor.New(jobs, usage, gpuConfig(t, `  executor: http`), executor.WithLogger(quietLogger()))

		// FAILED is still a clean terminal transition: no error here.
		if err := testee.Run(context.Background(), "job-1", "token-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !failed {
			t.Error("finish was not called")
		}
	})
}

func TestRun_LostOwnershipBeforeFinish(t *testing.T) {
	// the reclaim loop failed the job as executor_timeout while we worked.
	job := runningJob("job-1", "token-1")

	jobs := kdbmock.NewGpuJobInterface()
	jobs.Impl.PickToRun = func(context.Context, string, string) (kdb.GpuJob, bool, error) {
		return job, true, nil
	}
	jobs.Impl.Finish = func(context.Context, string, string, kdb.GpuJobResult) (kdb.GpuJob, bool, error) {
		return kdb.GpuJob{}, false, nil
	}

	usage := kdbmock.NewUsageInterface() // panics if touched: no double billing

	testee := executor.New(jobs, usage, gpuConfig(t, `  simulateDelay: 0s`), executor.WithLogger(quietLogger()))

	if err := testee.Run(context.Background(), "job-1", "token-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage.Calls.Append.Times() != 0 {
		t.Error("usage should not be recorded after losing ownership")
	}
}

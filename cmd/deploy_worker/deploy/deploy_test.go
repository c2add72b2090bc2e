package deploy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/opst/gpuplane/cmd/deploy_worker/deploy"
	"github.com/opst/gpuplane/pkg/bus"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	kdbmock "github.com/opst/gpuplane/pkg/db/mocks"
	"github.com/opst/gpuplane/pkg/utils/pointer"
	"github.com/opst/gpuplane/pkg/utils/try"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func servingConfig(t *testing.T, mode string) *cfg.ServingConfig {
	t.Helper()
	conf := try.To(cfg.Unmarshal([]byte(`
database: postgres://fake
bus: nats://fake
serving:
  mode: ` + mode))).OrFatal(t)
	return conf.Serving()
}

type fakeMessage struct {
	data  []byte
	acked bool
	naked bool
}

var _ bus.Message = &fakeMessage{}

func (m *fakeMessage) Subject() string { return "serving.deploy_requested" }
func (m *fakeMessage) Data() []byte    { return m.data }
func (m *fakeMessage) Deliveries() int { return 1 }
func (m *fakeMessage) Ack() error      { m.acked = true; return nil }
func (m *fakeMessage) Nak() error      { m.naked = true; return nil }

func eventFor(t *testing.T, endpointId string) *fakeMessage {
	t.Helper()
	data, err := json.Marshal(bus.EndpointRequested{
		TenantId: "tenant-a", ProjectId: "project-1", EndpointId: endpointId,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fakeMessage{data: data}
}

type fakeReconciler struct {
	applied []string
	deleted []string
	url     string
	err     error
}

func (r *fakeReconciler) Apply(_ context.Context, bundle kdb.EndpointBundle, _ time.Duration) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.applied = append(r.applied, bundle.Id)
	return r.url, nil
}

func (r *fakeReconciler) Delete(_ context.Context, endpointId string) error {
	if r.err != nil {
		return r.err
	}
	r.deleted = append(r.deleted, endpointId)
	return nil
}

func bundleOf(id string, status kdb.EndpointStatus) kdb.EndpointBundle {
	return kdb.EndpointBundle{
		Endpoint: kdb.Endpoint{
			Id:        id,
			TenantId:  "tenant-a",
			ProjectId: "project-1",
			Name:      "churn-model",
			Status:    status,
			Runtime:   "kserve",
		},
		ArtifactUri: "s3://models/churn/3",
	}
}

func endpointMock(bundle kdb.EndpointBundle) *kdbmock.EndpointInterface {
	m := kdbmock.NewEndpointInterface()
	m.Impl.GetBundle = func(_ context.Context, endpointId string) (kdb.EndpointBundle, error) {
		if endpointId != bundle.Id {
			return kdb.EndpointBundle{}, kdb.ErrMissing
		}
		return bundle, nil
	}
	m.Impl.SetStatus = func(context.Context, string, kdb.EndpointStatus, string, string) error {
		return nil
	}
	return m
}

func TestHandleDeploy_Simulate(t *testing.T) {
	bundle := bundleOf("ep-1", kdb.Creating)
	endpoints := endpointMock(bundle)

	handler := deploy.New(
		quietLogger(), endpoints, servingConfig(t, "simulate"),
		deploy.WithSimulateDelay(0),
	)

	msg := eventFor(t, "ep-1")
	handler.HandleDeploy(context.Background(), msg)

	if !msg.acked {
		t.Error("message should be acked")
	}
	if endpoints.Calls.SetStatus.Times() != 1 {
		t.Fatalf("set status calls: actual=%d, expect=1", endpoints.Calls.SetStatus.Times())
	}

	set := endpoints.Calls.SetStatus[0]
	if set.Status != kdb.Ready {
		t.Errorf("status: actual=%s, expect=READY", set.Status)
	}
	if !strings.HasPrefix(set.Url, "http://endpoint-ep-1") {
		t.Errorf("url: actual=%s, expect synthetic endpoint url", set.Url)
	}
}

func TestHandleDeploy_CanaryOutOfRangeFails(t *testing.T) {
	// canaryTrafficPercent=150: validation fails, no resource is touched.
	bundle := bundleOf("ep-1", kdb.Creating)
	bundle.Traffic = kdb.Traffic{CanaryTrafficPercent: pointer.Ref(150)}

	endpoints := endpointMock(bundle)
	reconciler := &fakeReconciler{url: "http://should-not-happen"}

	handler := deploy.New(
		quietLogger(), endpoints, servingConfig(t, "reconcile"),
		deploy.WithReconciler(reconciler),
	)

	msg := eventFor(t, "ep-1")
	handler.HandleDeploy(context.Background(), msg)

	if !msg.acked {
		t.Error("message should be acked (the failure is terminal)")
	}
	if len(reconciler.applied) != 0 {
		t.Error("no resource should be upserted on validation failure")
	}

	if endpoints.Calls.SetStatus.Times() != 1 {
		t.Fatalf("set status calls: actual=%d, expect=1", endpoints.Calls.SetStatus.Times())
	}
	set := endpoints.Calls.SetStatus[0]
	if set.Status != kdb.FailedEndpoint {
		t.Errorf("status: actual=%s, expect=FAILED", set.Status)
	}
	if set.Error == "" {
		t.Error("validation error detail should be recorded")
	}
}

func TestHandleDeploy_ReconcileReady(t *testing.T) {
	bundle := bundleOf("ep-1", kdb.Creating)
	endpoints := endpointMock(bundle)
	reconciler := &fakeReconciler{url: "http://endpoint-ep-1.gpuplane-serving.svc"}

	handler := deploy.New(
		quietLogger(), endpoints, servingConfig(t, "reconcile"),
		deploy.WithReconciler(reconciler),
	)

	msg := eventFor(t, "ep-1")
	handler.HandleDeploy(context.Background(), msg)

	if !msg.acked {
		t.Error("message should be acked")
	}
	if len(reconciler.applied) != 1 {
		t.Fatalf("applied: actual=%d, expect=1", len(reconciler.applied))
	}

	set := endpoints.Calls.SetStatus[0]
	if set.Status != kdb.Ready || set.Url != reconciler.url {
		t.Errorf("set status: actual=%+v", set)
	}
}

func TestHandleDeploy_SkipsWrongStatus(t *testing.T) {
	for _, status := range []kdb.EndpointStatus{kdb.Deleting, kdb.Deleted, kdb.FailedEndpoint} {
		t.Run(string(status), func(t *testing.T) {
			bundle := bundleOf("ep-1", status)
			endpoints := endpointMock(bundle)

			handler := deploy.New(
				quietLogger(), endpoints, servingConfig(t, "simulate"),
				deploy.WithSimulateDelay(0),
			)

			msg := eventFor(t, "ep-1")
			handler.HandleDeploy(context.Background(), msg)

			if !msg.acked {
				t.Error("message should be acked")
			}
			if endpoints.Calls.SetStatus.Times() != 0 {
				t.Error("status should not change")
			}
		})
	}
}

func TestHandleDeploy_MissingEndpointIsDropped(t *testing.T) {
	endpoints := kdbmock.NewEndpointInterface()
	endpoints.Impl.GetBundle = func(context.Context, string) (kdb.EndpointBundle, error) {
		return kdb.EndpointBundle{}, kdb.ErrMissing
	}

	handler := deploy.New(
		quietLogger(), endpoints, servingConfig(t, "simulate"),
		deploy.WithSimulateDelay(0),
	)

	msg := eventFor(t, "ep-gone")
	handler.HandleDeploy(context.Background(), msg)

	if !msg.acked {
		t.Error("events for deleted endpoints should be acked away")
	}
}

func TestHandleDelete(t *testing.T) {
	t.Run("reconcile mode deletes the resource then soft-deletes the row", func(t *testing.T) {
		endpoints := kdbmock.NewEndpointInterface()
		endpoints.Impl.SoftDelete = func(_ context.Context, endpointId string) error {
			if endpointId != "ep-1" {
				t.Errorf("soft delete: actual=%s, expect=ep-1", endpointId)
			}
			return nil
		}

		reconciler := &fakeReconciler{}

		handler := deploy.New(
			quietLogger(), endpoints, servingConfig(t, "reconcile"),
			deploy.WithReconciler(reconciler),
		)

		msg := eventFor(t, "ep-1")
		handler.HandleDelete(context.Background(), msg)

		if !msg.acked {
			t.Error("message should be acked")
		}
		if len(reconciler.deleted) != 1 {
			t.Errorf("resource deletes: actual=%d, expect=1", len(reconciler.deleted))
		}
		if endpoints.Calls.SoftDelete.Times() != 1 {
			t.Errorf("soft deletes: actual=%d, expect=1", endpoints.Calls.SoftDelete.Times())
		}
	})

	t.Run("resource delete failure nacks for redelivery", func(t *testing.T) {
		endpoints := kdbmock.NewEndpointInterface() // panics if SoftDelete is called
		reconciler := &fakeReconciler{err: errors.New("api server down")}

		handler := deploy.New(
			quietLogger(), endpoints, servingConfig(t, "reconcile"),
			deploy.WithReconciler(reconciler),
		)

		msg := eventFor(t, "ep-1")
		handler.HandleDelete(context.Background(), msg)

		if msg.acked || !msg.naked {
			t.Errorf("ack/nak: actual=(%v, %v), expect=(false, true)", msg.acked, msg.naked)
		}
	})

	t.Run("simulate mode only soft-deletes", func(t *testing.T) {
		endpoints := kdbmock.NewEndpointInterface()
		endpoints.Impl.SoftDelete = func(context.Context, string) error { return nil }

		handler := deploy.New(
			quietLogger(), endpoints, servingConfig(t, "simulate"),
			deploy.WithSimulateDelay(0),
		)

		msg := eventFor(t, "ep-1")
		handler.HandleDelete(context.Background(), msg)

		if !msg.acked {
			t.Error("message should be acked")
		}
		if endpoints.Calls.SoftDelete.Times() != 1 {
			t.Errorf("soft deletes: actual=%d, expect=1", endpoints.Calls.SoftDelete.Times())
		}
	})
}

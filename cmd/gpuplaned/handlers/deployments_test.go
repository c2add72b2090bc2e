package handlers_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/opst/gpuplane/cmd/gpuplaned/handlers"
	"github.com/opst/gpuplane/pkg/bus"
	"github.com/opst/gpuplane/pkg/bus/inmemory"
	kdb "github.com/opst/gpuplane/pkg/db"
	kdbmock "github.com/opst/gpuplane/pkg/db/mocks"
	"github.com/opst/gpuplane/pkg/utils/try"
)

func countEvents(t *testing.T, sub bus.Subscription) int {
	t.Helper()
	msgs := try.To(sub.Fetch(context.Background(), 10, 10*time.Millisecond)).OrFatal(t)
	for _, msg := range msgs {
		msg.Ack()
	}
	return len(msgs)
}

func TestCreateDeploymentHandler(t *testing.T) {
	t.Run("registers the intent and emits deploy_requested", func(t *testing.T) {
		endpoints := kdbmock.NewEndpointInterface()
		endpoints.Impl.Register = func(_ context.Context, spec kdb.EndpointSpec) (kdb.Endpoint, error) {
			if spec.Name != "churn-model" {
				t.Errorf("name: actual=%s", spec.Name)
			}
			if spec.Runtime != "kserve" {
				t.Errorf("runtime should default to kserve, actual=%s", spec.Runtime)
			}
			return kdb.Endpoint{
				Id: "ep-1", TenantId: spec.TenantId, ProjectId: spec.ProjectId,
				Name: spec.Name, Status: kdb.Creating, Runtime: spec.Runtime,
			}, nil
		}

		events := inmemory.New()
		sub := try.To(events.Subscribe(bus.SubjectDeployRequested, "test")).OrFatal(t)

		c, rec := request(t, http.MethodPost, "/api/v1/deployments", `{"name": "churn-model"}`)
		if err := serve(c, handlers.CreateDeploymentHandler(endpoints, events)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if rec.Code != http.StatusCreated {
			t.Errorf("status: actual=%d, expect=201", rec.Code)
		}
		if countEvents(t, sub) != 1 {
			t.Error("deploy_requested should be emitted once")
		}
	})

	t.Run("name conflicts are 409", func(t *testing.T) {
		endpoints := kdbmock.NewEndpointInterface()
		endpoints.Impl.Register = func(context.Context, kdb.EndpointSpec) (kdb.Endpoint, error) {
			return kdb.Endpoint{}, kdb.ErrNameConflict
		}

		c, _ := request(t, http.MethodPost, "/api/v1/deployments", `{"name": "churn-model"}`)
		err := serve(c, handlers.CreateDeploymentHandler(endpoints, inmemory.New()))
		assertHTTPError(t, err, http.StatusConflict)
	})

	t.Run("a name is required", func(t *testing.T) {
		c, _ := request(t, http.MethodPost, "/api/v1/deployments", `{}`)
		err := serve(c, handlers.CreateDeploymentHandler(kdbmock.NewEndpointInterface(), inmemory.New()))
		assertHTTPError(t, err, http.StatusBadRequest)
	})
}

func TestUpdateDeploymentHandler(t *testing.T) {
	theory := func(body string, wantReconcile bool) func(t *testing.T) {
		return func(t *testing.T) {
			endpoints := kdbmock.NewEndpointInterface()
			endpoints.Impl.Update = func(_ context.Context, _, _, endpointId string, u kdb.EndpointUpdate, reconcile bool) (kdb.Endpoint, error) {
				if reconcile != wantReconcile {
					t.Errorf("reconcile: actual=%v, expect=%v", reconcile, wantReconcile)
				}
				status := kdb.Ready
				if reconcile {
					status = kdb.Creating
				}
				return kdb.Endpoint{Id: endpointId, Status: status}, nil
			}

			events := inmemory.New()
			sub := try.To(events.Subscribe(bus.SubjectDeployRequested, "test")).OrFatal(t)

			c, rec := request(t, http.MethodPatch, "/api/v1/deployments/ep-1", body)
			c.SetParamNames("endpointId")
			c.SetParamValues("ep-1")

			if err := serve(c, handlers.UpdateDeploymentHandler(endpoints, events)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status: actual=%d, expect=200", rec.Code)
			}

			wantEvents := 0
			if wantReconcile {
				wantEvents = 1
			}
			if actual := countEvents(t, sub); actual != wantEvents {
				t.Errorf("deploy_requested events: actual=%d, expect=%d", actual, wantEvents)
			}
		}
	}

	t.Run("serving field changes trigger a re-reconcile", theory(
		`{"traffic": {"canaryTrafficPercent": 10}}`, true,
	))
	t.Run("empty patches do not", theory(`{}`, false))

	t.Run("missing endpoints are 404", func(t *testing.T) {
		endpoints := kdbmock.NewEndpointInterface()
		endpoints.Impl.Update = func(context.Context, string, string, string, kdb.EndpointUpdate, bool) (kdb.Endpoint, error) {
			return kdb.Endpoint{}, kdb.ErrMissing
		}

		c, _ := request(t, http.MethodPatch, "/api/v1/deployments/ep-x", `{}`)
		c.SetParamNames("endpointId")
		c.SetParamValues("ep-x")

		err := serve(c, handlers.UpdateDeploymentHandler(endpoints, inmemory.New()))
		assertHTTPError(t, err, http.StatusNotFound)
	})
}

func TestDeleteDeploymentHandler(t *testing.T) {
	endpoints := kdbmock.NewEndpointInterface()
	endpoints.Impl.MarkDeleting = func(_ context.Context, _, _, endpointId string) (kdb.Endpoint, error) {
		return kdb.Endpoint{Id: endpointId, Status: kdb.Deleting}, nil
	}

	events := inmemory.New()
	sub := try.To(events.Subscribe(bus.SubjectDeleteRequested, "test")).OrFatal(t)

	c, rec := request(t, http.MethodDelete, "/api/v1/deployments/ep-1", "")
	c.SetParamNames("endpointId")
	c.SetParamValues("ep-1")

	if err := serve(c, handlers.DeleteDeploymentHandler(endpoints, events)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("status: actual=%d, expect=202", rec.Code)
	}
	if countEvents(t, sub) != 1 {
		t.Error("delete_requested should be emitted once")
	}
}

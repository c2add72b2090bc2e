package tenancy_test

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/opst/gpuplane/pkg/tenancy"
)

const (
	tenantId  = "7e2b54d2-92f5-4c43-b044-8552b8b0c38d"
	projectId = "3e7c29d8-b41f-4a27-b6ec-23ba0e101cfb"
)

func TestExtract(t *testing.T) {
	type When struct {
		headers map[string]string
	}
	type Then struct {
		wantErr bool
		roles   []string
	}

	theory := func(when When, then Then) func(t *testing.T) {
		return func(t *testing.T) {
			header := http.Header{}
			for name, value := range when.headers {
				header.Set(name, value)
			}

			actual, err := tenancy.Extract(header)
			if then.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", actual)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if actual.TenantId != tenantId {
				t.Errorf("tenant: actual=%s, expect=%s", actual.TenantId, tenantId)
			}
			if actual.ProjectId != projectId {
				t.Errorf("project: actual=%s, expect=%s", actual.ProjectId, projectId)
			}
			if actual.RequestId == "" {
				t.Error("request id should be generated")
			}
			if then.roles != nil && !reflect.DeepEqual(actual.Roles, then.roles) {
				t.Errorf("roles: actual=%v, expect=%v", actual.Roles, then.roles)
			}
		}
	}

	t.Run("full headers", theory(
		When{headers: map[string]string{
			"X-Tenant-Id":  tenantId,
			"X-Project-Id": projectId,
			"X-User-Id":    "user-1",
		}},
		Then{},
	))

	t.Run("comma separated roles", theory(
		When{headers: map[string]string{
			"X-Tenant-Id":  tenantId,
			"X-Project-Id": projectId,
			"X-User-Id":    "user-1",
			"X-Roles":      "admin,operator",
		}},
		Then{roles: []string{"admin", "operator"}},
	))

	t.Run("whitespace separated roles", theory(
		When{headers: map[string]string{
			"X-Tenant-Id":  tenantId,
			"X-Project-Id": projectId,
			"X-User-Id":    "user-1",
			"X-Roles":      "admin operator, viewer",
		}},
		Then{roles: []string{"admin", "operator", "viewer"}},
	))

	t.Run("missing tenant is rejected", theory(
		When{headers: map[string]string{
			"X-Project-Id": projectId,
			"X-User-Id":    "user-1",
		}},
		Then{wantErr: true},
	))

	t.Run("missing user is rejected", theory(
		When{headers: map[string]string{
			"X-Tenant-Id":  tenantId,
			"X-Project-Id": projectId,
		}},
		Then{wantErr: true},
	))

	t.Run("non-uuid tenant is rejected", theory(
		When{headers: map[string]string{
			"X-Tenant-Id":  "tenant-a",
			"X-Project-Id": projectId,
			"X-User-Id":    "user-1",
		}},
		Then{wantErr: true},
	))
}

func TestMiddleware(t *testing.T) {
	handler := func(c echo.Context) error {
		if _, ok := tenancy.From(c); !ok {
			t.Error("tenancy should be stored in context")
		}
		return c.NoContent(http.StatusOK)
	}

	t.Run("valid headers pass", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/gpu-jobs", nil)
		req.Header.Set("X-Tenant-Id", tenantId)
		req.Header.Set("X-Project-Id", projectId)
		req.Header.Set("X-User-Id", "user-1")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := tenancy.Middleware("/healthz")(handler)(c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("status: actual=%d, expect=200", rec.Code)
		}
	})

	t.Run("missing headers are rejected", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/gpu-jobs", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		notCalled := func(c echo.Context) error {
			t.Error("handler should not be called")
			return nil
		}

		err := tenancy.Middleware("/healthz")(notCalled)(c)
		if err == nil {
			t.Fatal("expected error")
		}
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusUnauthorized {
			t.Errorf("error: actual=%v, expect 401", err)
		}
	})

	t.Run("skip prefixes pass through untouched", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		called := false
		passthrough := func(c echo.Context) error {
			called = true
			if _, ok := tenancy.From(c); ok {
				t.Error("tenancy should not be stored for skipped paths")
			}
			return c.NoContent(http.StatusOK)
		}

		if err := tenancy.Middleware("/healthz", "/metrics")(passthrough)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Error("handler should be called")
		}
	})
}

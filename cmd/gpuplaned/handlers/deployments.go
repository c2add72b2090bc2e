package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	apidep "github.com/opst/gpuplane/pkg/api/types/deployments"
	apierr "github.com/opst/gpuplane/pkg/api/types/errors"
	"github.com/opst/gpuplane/pkg/bus"
	kdb "github.com/opst/gpuplane/pkg/db"
	"github.com/opst/gpuplane/pkg/tenancy"
)

func CreateDeploymentHandler(dbEndpoint kdb.EndpointInterface, events bus.Bus) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")

		t, ok := tenancy.From(c)
		if !ok {
			return apierr.Unauthorized("pass tenancy headers", nil)
		}

		var spec apidep.Spec
		if err := c.Bind(&spec); err != nil {
			return apierr.BadRequest("request body should be a deployment spec", err)
		}
		if spec.Name == "" {
			return apierr.BadRequest(`"name" is required`, nil)
		}

		runtime := spec.Runtime
		if runtime == "" {
			runtime = "kserve"
		}

		dbSpec := kdb.EndpointSpec{
			TenantId:       t.TenantId,
			ProjectId:      t.ProjectId,
			Name:           spec.Name,
			Runtime:        runtime,
			ModelVersionId: spec.ModelVersionId,
			RuntimeConfig:  spec.RuntimeConfig,
		}
		if spec.Traffic != nil {
			dbSpec.Traffic = *spec.Traffic
		}
		if spec.Autoscaling != nil {
			dbSpec.Autoscaling = *spec.Autoscaling
		}

		ctx := c.Request().Context()

		endpoint, err := dbEndpoint.Register(ctx, dbSpec)
		if err != nil {
			if errors.Is(err, kdb.ErrNameConflict) {
				return apierr.Conflict(
					"deployment name is already used in this project",
					apierr.WithError(err),
				)
			}
			return apierr.InternalServerError(err)
		}

		publishEndpointEvent(c, events, bus.SubjectDeployRequested, endpoint)

		return c.JSON(http.StatusCreated, apidep.ComposeDetail(endpoint))
	}
}

func UpdateDeploymentHandler(dbEndpoint kdb.EndpointInterface, events bus.Bus) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")

		t, ok := tenancy.From(c)
		if !ok {
			return apierr.Unauthorized("pass tenancy headers", nil)
		}

		var patch apidep.Patch
		if err := c.Bind(&patch); err != nil {
			return apierr.BadRequest("request body should be a deployment patch", err)
		}

		update := kdb.EndpointUpdate{
			Runtime:        patch.Runtime,
			ModelVersionId: patch.ModelVersionId,
			Traffic:        patch.Traffic,
			Autoscaling:    patch.Autoscaling,
			RuntimeConfig:  patch.RuntimeConfig,
		}
		reconcile := update.ServingFieldsChanged()

		ctx := c.Request().Context()

		endpoint, err := dbEndpoint.Update(
			ctx, t.TenantId, t.ProjectId, c.Param("endpointId"), update, reconcile,
		)
		if err != nil {
			if errors.Is(err, kdb.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		if reconcile {
			publishEndpointEvent(c, events, bus.SubjectDeployRequested, endpoint)
		}

		return c.JSON(http.StatusOK, apidep.ComposeDetail(endpoint))
	}
}

func DeleteDeploymentHandler(dbEndpoint kdb.EndpointInterface, events bus.Bus) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")

		t, ok := tenancy.From(c)
		if !ok {
			return apierr.Unauthorized("pass tenancy headers", nil)
		}

		endpoint, err := dbEndpoint.MarkDeleting(
			c.Request().Context(), t.TenantId, t.ProjectId, c.Param("endpointId"),
		)
		if err != nil {
			if errors.Is(err, kdb.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		publishEndpointEvent(c, events, bus.SubjectDeleteRequested, endpoint)

		return c.JSON(http.StatusAccepted, apidep.ComposeDetail(endpoint))
	}
}

func GetDeploymentHandler(dbEndpoint kdb.EndpointInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")

		t, ok := tenancy.From(c)
		if !ok {
			return apierr.Unauthorized("pass tenancy headers", nil)
		}

		endpoint, err := dbEndpoint.Get(
			c.Request().Context(), t.TenantId, t.ProjectId, c.Param("endpointId"),
		)
		if err != nil {
			if errors.Is(err, kdb.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, apidep.ComposeDetail(endpoint))
	}
}

func FindDeploymentHandler(dbEndpoint kdb.EndpointInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")

		t, ok := tenancy.From(c)
		if !ok {
			return apierr.Unauthorized("pass tenancy headers", nil)
		}

		limit := 50
		if raw := c.QueryParam("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return apierr.BadRequest(`"limit" should be an integer`, err)
			}
			limit = n
		}
		if limit < 1 {
			limit = 1
		}
		if 200 < limit {
			limit = 200
		}

		endpoints, err := dbEndpoint.Find(c.Request().Context(), t.TenantId, t.ProjectId, limit)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		items := make([]apidep.Detail, 0, len(endpoints))
		for _, endpoint := range endpoints {
			items = append(items, apidep.ComposeDetail(endpoint))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
	}
}

func publishEndpointEvent(c echo.Context, events bus.Bus, subject string, endpoint kdb.Endpoint) {
	err := events.Publish(c.Request().Context(), subject, bus.EndpointRequested{
		TenantId:   endpoint.TenantId,
		ProjectId:  endpoint.ProjectId,
		EndpointId: endpoint.Id,
		At:         time.Now(),
	})
	if err != nil {
		// the deploy worker acts only on events; surface loudly.
		c.Logger().Errorf("%s not published for endpoint %s: %v", subject, endpoint.Id, err)
	}
}

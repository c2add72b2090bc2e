package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	apierr "github.com/opst/gpuplane/pkg/api/types/errors"
	apijobs "github.com/opst/gpuplane/pkg/api/types/gpujobs"
	"github.com/opst/gpuplane/pkg/bus"
	kdb "github.com/opst/gpuplane/pkg/db"
	"github.com/opst/gpuplane/pkg/tenancy"
)

func SubmitGpuJobHandler(
	dbJob kdb.GpuJobInterface,
	dbPolicy kdb.PolicyInterface,
	events bus.Bus,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")

		t, ok := tenancy.From(c)
		if !ok {
			return apierr.Unauthorized("pass tenancy headers", nil)
		}

		var spec apijobs.Spec
		if err := c.Bind(&spec); err != nil {
			return apierr.BadRequest("request body should be a gpu job spec", err)
		}

		if spec.GpuPoolRequested == "" {
			spec.GpuPoolRequested = string(kdb.PoolT4)
		}
		pool, err := kdb.AsGpuPool(spec.GpuPoolRequested)
		if err != nil {
			return apierr.BadRequest(`"gpu_pool_requested" should be one of "t4", "mig" or "auto"`, err)
		}

		isolation, err := kdb.AsIsolationLevel(spec.IsolationLevel)
		if err != nil {
			return apierr.BadRequest(`"isolation_level" should be "shared" or "exclusive"`, err)
		}

		if spec.TargetUrl == "" {
			return apierr.BadRequest(`"target_url" is required`, nil)
		}

		requestJson := spec.RequestJson
		if len(requestJson) == 0 {
			requestJson = json.RawMessage(`{}`)
		}
		if !isJSONObject(requestJson) {
			return apierr.BadRequest(`"request_json" should be a JSON object`, nil)
		}

		ctx := c.Request().Context()

		policy, err := dbPolicy.Ensure(ctx, t.TenantId)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		pending, err := dbJob.CountPending(ctx, t.TenantId)
		if err != nil {
			return apierr.InternalServerError(err)
		}
		if policy.MaxQueuedJobs <= pending {
			return apierr.QuotaExceeded("gpu queue limit exceeded for tenant")
		}

		job, err := dbJob.Register(ctx, kdb.GpuJobSpec{
			TenantId:      t.TenantId,
			ProjectId:     t.ProjectId,
			CreatedBy:     t.UserId,
			PoolRequested: pool,
			Isolation:     isolation,
			Priority:      spec.Priority,
			TargetUrl:     spec.TargetUrl,
			RequestJson:   requestJson,
		})
		if err != nil {
			return apierr.InternalServerError(err)
		}

		// informational: the scheduler polls the store, so a lost event is fine.
		if err := events.Publish(ctx, bus.SubjectEnqueued, bus.Enqueued{
			TenantId:      job.TenantId,
			ProjectId:     job.ProjectId,
			JobId:         job.Id,
			PoolRequested: string(job.PoolRequested),
			Isolation:     string(job.Isolation),
			Priority:      job.Priority,
			At:            time.Now(),
		}); err != nil {
			c.Logger().Warnf("enqueued event not published for job %s: %v", job.Id, err)
		}

		return c.JSON(http.StatusCreated, apijobs.ComposeDetail(job))
	}
}

func GetGpuJobHandler(dbJob kdb.GpuJobInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")

		t, ok := tenancy.From(c)
		if !ok {
			return apierr.Unauthorized("pass tenancy headers", nil)
		}

		job, err := dbJob.Get(c.Request().Context(), t.TenantId, t.ProjectId, c.Param("jobId"))
		if err != nil {
			if errors.Is(err, kdb.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, apijobs.ComposeDetail(job))
	}
}

func FindGpuJobHandler(dbJob kdb.GpuJobInterface) echo.HandlerFunc {
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

		jobs, err := dbJob.Find(c.Request().Context(), t.TenantId, t.ProjectId, limit)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		items := make([]apijobs.Detail, 0, len(jobs))
		for _, job := range jobs {
			items = append(items, apijobs.ComposeDetail(job))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
	}
}

func isJSONObject(raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	return json.Unmarshal(raw, &probe) == nil
}

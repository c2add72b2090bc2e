package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	apierr "github.com/opst/gpuplane/pkg/api/types/errors"
	apipolicies "github.com/opst/gpuplane/pkg/api/types/policies"
	kdb "github.com/opst/gpuplane/pkg/db"
)

func FindPolicyHandler(dbPolicy kdb.PolicyInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")

		policies, err := dbPolicy.Find(c.Request().Context())
		if err != nil {
			return apierr.InternalServerError(err)
		}

		items := make([]apipolicies.Detail, 0, len(policies))
		for _, p := range policies {
			items = append(items, apipolicies.ComposeDetail(p))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
	}
}

func UpsertPolicyHandler(dbPolicy kdb.PolicyInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")

		tenantId := c.Param("tenantId")
		if _, err := uuid.Parse(tenantId); err != nil {
			return apierr.BadRequest("tenant id should be a UUID", err)
		}

		var spec apipolicies.Spec
		if err := c.Bind(&spec); err != nil {
			return apierr.BadRequest("request body should be a policy spec", err)
		}

		policy := spec.Merge(tenantId)
		if err := dbPolicy.Upsert(c.Request().Context(), policy); err != nil {
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, apipolicies.ComposeDetail(policy))
	}
}

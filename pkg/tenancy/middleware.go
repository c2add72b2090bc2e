package tenancy

import (
	"strings"

	"github.com/labstack/echo/v4"
	apierr "github.com/opst/gpuplane/pkg/api/types/errors"
)

const contextKey = "gpuplane/tenancy"

// Middleware rejects requests without valid tenancy headers.
//
// Paths starting with any of skipPrefixes (e.g. /healthz, /metrics) pass
// through untouched.
func Middleware(skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, prefix := range skipPrefixes {
				if strings.HasPrefix(path, prefix) {
					return next(c)
				}
			}

			t, err := Extract(c.Request().Header)
			if err != nil {
				return apierr.Unauthorized("pass X-Tenant-Id, X-Project-Id and X-User-Id", err)
			}

			c.Set(contextKey, t)
			c.Response().Header().Set(HeaderRequestId, t.RequestId)
			return next(c)
		}
	}
}

// From returns the tenancy stored by Middleware.
func From(c echo.Context) (Tenancy, bool) {
	t, ok := c.Get(contextKey).(Tenancy)
	return t, ok
}

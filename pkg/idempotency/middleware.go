// Package idempotency makes opt-in writes at-most-once.
//
// The mechanism is a store primitive, not an in-process cache: a placeholder
// row is inserted under the unique key before the handler runs, and the
// response snapshot is finalized onto it afterwards. Replays with the same
// request hash return the stored bytes; a different hash is a conflict.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	apierr "github.com/opst/gpuplane/pkg/api/types/errors"
	kdb "github.com/opst/gpuplane/pkg/db"
	"github.com/opst/gpuplane/pkg/tenancy"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "X-Idempotent-Replayed"
)

var idempotentMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// hop-by-hop and length headers must not be replayed verbatim.
var skipReplayHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

func requestHash(body []byte, method, path string) string {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte("|" + method + "|" + path))
	return hex.EncodeToString(h.Sum(nil))
}

// Middleware deduplicates writes carrying an Idempotency-Key header.
//
// It must run after tenancy.Middleware: requests without tenancy pass
// through untouched (the tenancy middleware already rejects them on
// protected paths).
func Middleware(store kdb.IdempotencyInterface, ttl time.Duration, maxBodyBytes int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !idempotentMethods[req.Method] {
				return next(c)
			}

			idemKey := req.Header.Get(HeaderIdempotencyKey)
			if idemKey == "" {
				return next(c)
			}

			t, ok := tenancy.From(c)
			if !ok {
				return next(c)
			}

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return apierr.BadRequest("can not read request body", err)
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			key := kdb.IdempotencyKey{
				TenantId:  t.TenantId,
				ProjectId: t.ProjectId,
				Method:    req.Method,
				Path:      req.URL.Path,
				IdemKey:   idemKey,
			}
			hash := requestHash(body, req.Method, req.URL.Path)

			ctx := req.Context()

			if record, found, err := store.Lookup(ctx, key); err != nil {
				return apierr.ServiceUnavailable("try again later", err)
			} else if found {
				if record.RequestHash != hash {
					return apierr.Conflict(
						"idempotency key already used with a different request payload",
					)
				}
				if record.InProgress() {
					return apierr.Conflict(
						"a request with this idempotency key is still in progress",
					)
				}
				return replay(c, record)
			}

			if err := store.Begin(ctx, key, hash, ttl); err != nil {
				if errors.Is(err, kdb.ErrIdempotencyInProgress) {
					return apierr.Conflict(
						"a request with this idempotency key is already being processed",
					)
				}
				return apierr.ServiceUnavailable("try again later", err)
			}

			rec := &responseRecorder{
				ResponseWriter: c.Response().Writer,
				status:         http.StatusOK,
				limit:          maxBodyBytes,
			}
			c.Response().Writer = rec

			handlerErr := next(c)

			statusCode := rec.status
			responseBody := rec.Snapshot()
			headers := snapshotHeaders(c.Response().Header())

			if handlerErr != nil {
				// the error handler has not written yet; snapshot what it will say.
				statusCode, responseBody = renderError(handlerErr)
				headers = map[string]string{"Content-Type": echo.MIMEApplicationJSON}
			}

			if err := store.Finalize(ctx, key, statusCode, headers, responseBody); err != nil {
				c.Logger().Errorf("idempotency finalize failed: %v", err)
			}

			return handlerErr
		}
	}
}

func replay(c echo.Context, record kdb.IdempotencyRecord) error {
	contentType := echo.MIMEApplicationJSON
	for name, value := range record.ResponseHeaders {
		if skipReplayHeaders[strings.ToLower(name)] {
			continue
		}
		if strings.EqualFold(name, "content-type") {
			contentType = value
			continue
		}
		c.Response().Header().Set(name, value)
	}
	c.Response().Header().Set(HeaderReplayed, "true")
	return c.Blob(*record.StatusCode, contentType, record.ResponseBody)
}

func renderError(err error) (int, []byte) {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	body, marshalErr := json.Marshal(he.Message)
	if marshalErr != nil {
		body = []byte(`{"reason":"unexpected error"}`)
	}
	return he.Code, body
}

func snapshotHeaders(h http.Header) map[string]string {
	headers := map[string]string{}
	for name := range h {
		headers[name] = h.Get(name)
	}
	return headers
}

// responseRecorder tees the response body, up to a limit.
// Oversized responses are served as-is but stored without a body;
// replays of those return the status and headers with an empty body.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.overflow {
		if r.buf.Len()+len(b) <= r.limit {
			r.buf.Write(b)
		} else {
			r.overflow = true
			r.buf.Reset()
		}
	}
	return r.ResponseWriter.Write(b)
}

// Snapshot returns the captured body, or nil when it overflowed the limit.
func (r *responseRecorder) Snapshot() []byte {
	if r.overflow {
		return nil
	}
	return r.buf.Bytes()
}

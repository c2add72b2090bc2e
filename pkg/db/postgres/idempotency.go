package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	kdb "github.com/opst/gpuplane/pkg/db"
	xe "github.com/opst/gpuplane/pkg/errors"
)

type idempotencyPG struct { // implements kdb.IdempotencyInterface
	pool *pgxpool.Pool
}

func newIdempotency(pool *pgxpool.Pool) *idempotencyPG {
	return &idempotencyPG{pool: pool}
}

var _ kdb.IdempotencyInterface = &idempotencyPG{}

func (m *idempotencyPG) Lookup(ctx context.Context, key kdb.IdempotencyKey) (kdb.IdempotencyRecord, bool, error) {
	var (
		record      kdb.IdempotencyRecord
		statusCode  sql.NullInt32
		headersJSON []byte
		body        []byte
	)

	err := m.pool.QueryRow(
		ctx,
		`
		select "request_hash", "status_code", "response_headers", "response_body", "expires_at"
		from "idempotency_keys"
		where "tenant_id" = $1 and "project_id" = $2 and "idem_key" = $3
		  and "method" = $4 and "path" = $5
		  and "expires_at" > now()
		`,
		key.TenantId, key.ProjectId, key.IdemKey, key.Method, key.Path,
	).Scan(&record.RequestHash, &statusCode, &headersJSON, &body, &record.ExpiresAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kdb.IdempotencyRecord{}, false, nil
		}
		return kdb.IdempotencyRecord{}, false, xe.Wrap(err)
	}

	record.TenantId = key.TenantId
	record.ProjectId = key.ProjectId
	record.Method = key.Method
	record.Path = key.Path
	record.IdemKey = key.IdemKey

	if statusCode.Valid {
		code := int(statusCode.Int32)
		record.StatusCode = &code
	}
	if headersJSON != nil {
		if err := json.Unmarshal(headersJSON, &record.ResponseHeaders); err != nil {
			return kdb.IdempotencyRecord{}, false, xe.Wrap(err)
		}
	}
	record.ResponseBody = body

	return record, true, nil
}

func (m *idempotencyPG) Begin(ctx context.Context, key kdb.IdempotencyKey, requestHash string, ttl time.Duration) error {
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "idempotency_keys" (
			"tenant_id", "project_id", "idem_key", "method", "path",
			"request_hash", "expires_at"
		)
		values ($1, $2, $3, $4, $5, $6, now() + ($7::float * interval '1 second'))
		`,
		key.TenantId, key.ProjectId, key.IdemKey, key.Method, key.Path,
		requestHash, ttl.Seconds(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return kdb.ErrIdempotencyInProgress
		}
		return xe.Wrap(err)
	}
	return nil
}

func (m *idempotencyPG) Finalize(ctx context.Context, key kdb.IdempotencyKey, statusCode int, headers map[string]string, body []byte) error {
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return xe.Wrap(err)
	}

	if _, err := m.pool.Exec(
		ctx,
		`
		update "idempotency_keys"
		set "status_code" = $6, "response_headers" = $7, "response_body" = $8
		where "tenant_id" = $1 and "project_id" = $2 and "idem_key" = $3
		  and "method" = $4 and "path" = $5
		`,
		key.TenantId, key.ProjectId, key.IdemKey, key.Method, key.Path,
		statusCode, headersJSON, body,
	); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (m *idempotencyPG) Sweep(ctx context.Context) (int, error) {
	tag, err := m.pool.Exec(
		ctx, `delete from "idempotency_keys" where "expires_at" <= now()`,
	)
	if err != nil {
		return 0, xe.Wrap(err)
	}
	return int(tag.RowsAffected()), nil
}

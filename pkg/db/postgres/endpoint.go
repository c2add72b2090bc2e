package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	kdb "github.com/opst/gpuplane/pkg/db"
	kpgerr "github.com/opst/gpuplane/pkg/db/postgres/errors"
	xe "github.com/opst/gpuplane/pkg/errors"
)

type endpointPG struct { // implements kdb.EndpointInterface
	pool *pgxpool.Pool
}

func newEndpoint(pool *pgxpool.Pool) *endpointPG {
	return &endpointPG{pool: pool}
}

var _ kdb.EndpointInterface = &endpointPG{}

const endpointColumns = `
	"id", "tenant_id", "project_id", "name",
	"status", "url", "error",
	"runtime", "model_version_id", "traffic", "autoscaling", "runtime_config",
	"created_at", "updated_at"
`

// scanEndpoint scans endpointColumns, then any extra trailing columns.
func scanEndpoint(r rowScanner, extras ...interface{}) (kdb.Endpoint, error) {
	var (
		ep          kdb.Endpoint
		status      string
		url         sql.NullString
		errorString sql.NullString
		modelVer    sql.NullString
		traffic     []byte
		autoscaling []byte
		config      []byte
	)

	dest := []interface{}{
		&ep.Id, &ep.TenantId, &ep.ProjectId, &ep.Name,
		&status, &url, &errorString,
		&ep.Runtime, &modelVer, &traffic, &autoscaling, &config,
		&ep.CreatedAt, &ep.UpdatedAt,
	}
	dest = append(dest, extras...)

	if err := r.Scan(dest...); err != nil {
		return kdb.Endpoint{}, err
	}

	ep.Status = kdb.EndpointStatus(status)
	if modelVer.Valid {
		ep.ModelVersionId = modelVer.String
	}

	if url.Valid {
		ep.Url = url.String
	}
	if errorString.Valid {
		ep.Error = errorString.String
	}
	if traffic != nil {
		if err := json.Unmarshal(traffic, &ep.Traffic); err != nil {
			return kdb.Endpoint{}, err
		}
	}
	if autoscaling != nil {
		if err := json.Unmarshal(autoscaling, &ep.Autoscaling); err != nil {
			return kdb.Endpoint{}, err
		}
	}
	if config != nil {
		ep.RuntimeConfig = json.RawMessage(config)
	}
	return ep, nil
}

// nullableString maps "" to NULL, for nullable uuid columns.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (m *endpointPG) Register(ctx context.Context, spec kdb.EndpointSpec) (kdb.Endpoint, error) {
	traffic, err := json.Marshal(spec.Traffic)
	if err != nil {
		return kdb.Endpoint{}, xe.Wrap(err)
	}
	autoscaling, err := json.Marshal(spec.Autoscaling)
	if err != nil {
		return kdb.Endpoint{}, xe.Wrap(err)
	}

	row := m.pool.QueryRow(
		ctx,
		`
		insert into "endpoints" (
			"id", "tenant_id", "project_id", "name",
			"status", "runtime", "model_version_id", "traffic", "autoscaling", "runtime_config"
		)
		values ($1, $2, $3, $4, 'CREATING', $5, $6, $7, $8, $9)
		returning `+endpointColumns,
		uuid.NewString(), spec.TenantId, spec.ProjectId, spec.Name,
		spec.Runtime, nullableString(spec.ModelVersionId), traffic, autoscaling, []byte(spec.RuntimeConfig),
	)

	ep, err := scanEndpoint(row)
	if err != nil {
		if isUniqueViolation(err) {
			return kdb.Endpoint{}, kpgerr.Conflict{Table: "endpoints", Identity: spec.Name}
		}
		return kdb.Endpoint{}, xe.Wrap(err)
	}
	return ep, nil
}

func (m *endpointPG) Get(ctx context.Context, tenantId, projectId, endpointId string) (kdb.Endpoint, error) {
	row := m.pool.QueryRow(
		ctx,
		`
		select `+endpointColumns+`
		from "endpoints"
		where "tenant_id" = $1 and "project_id" = $2 and "id" = $3 and "status" <> 'DELETED'
		`,
		tenantId, projectId, endpointId,
	)

	ep, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kdb.Endpoint{}, kpgerr.Missing{Table: "endpoints", Identity: endpointId}
		}
		return kdb.Endpoint{}, xe.Wrap(err)
	}
	return ep, nil
}

func (m *endpointPG) Find(ctx context.Context, tenantId, projectId string, limit int) ([]kdb.Endpoint, error) {
	rows, err := m.pool.Query(
		ctx,
		`
		select `+endpointColumns+`
		from "endpoints"
		where "tenant_id" = $1 and "project_id" = $2 and "status" <> 'DELETED'
		order by "created_at" desc
		limit $3
		`,
		tenantId, projectId, limit,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	endpoints := []kdb.Endpoint{}
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

func (m *endpointPG) Update(ctx context.Context, tenantId, projectId, endpointId string, u kdb.EndpointUpdate, reconcile bool) (kdb.Endpoint, error) {
	var traffic, autoscaling []byte
	if u.Traffic != nil {
		b, err := json.Marshal(u.Traffic)
		if err != nil {
			return kdb.Endpoint{}, xe.Wrap(err)
		}
		traffic = b
	}
	if u.Autoscaling != nil {
		b, err := json.Marshal(u.Autoscaling)
		if err != nil {
			return kdb.Endpoint{}, xe.Wrap(err)
		}
		autoscaling = b
	}

	row := m.pool.QueryRow(
		ctx,
		`
		update "endpoints"
		set "runtime" = coalesce($4, "runtime"),
		    "model_version_id" = coalesce($5, "model_version_id"),
		    "traffic" = coalesce($6, "traffic"),
		    "autoscaling" = coalesce($7, "autoscaling"),
		    "runtime_config" = coalesce($8, "runtime_config"),
		    "status" = case when $9 then 'CREATING' else "status" end,
		    "error" = case when $9 then null else "error" end,
		    "updated_at" = now()
		where "tenant_id" = $1 and "project_id" = $2 and "id" = $3 and "status" <> 'DELETED'
		returning `+endpointColumns,
		tenantId, projectId, endpointId,
		u.Runtime, u.ModelVersionId, traffic, autoscaling, []byte(u.RuntimeConfig),
		reconcile,
	)

	ep, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kdb.Endpoint{}, kpgerr.Missing{Table: "endpoints", Identity: endpointId}
		}
		return kdb.Endpoint{}, xe.Wrap(err)
	}
	return ep, nil
}

func (m *endpointPG) MarkDeleting(ctx context.Context, tenantId, projectId, endpointId string) (kdb.Endpoint, error) {
	row := m.pool.QueryRow(
		ctx,
		`
		update "endpoints"
		set "status" = 'DELETING', "updated_at" = now()
		where "tenant_id" = $1 and "project_id" = $2 and "id" = $3 and "status" <> 'DELETED'
		returning `+endpointColumns,
		tenantId, projectId, endpointId,
	)

	ep, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kdb.Endpoint{}, kpgerr.Missing{Table: "endpoints", Identity: endpointId}
		}
		return kdb.Endpoint{}, xe.Wrap(err)
	}
	return ep, nil
}

func (m *endpointPG) GetBundle(ctx context.Context, endpointId string) (kdb.EndpointBundle, error) {
	row := m.pool.QueryRow(
		ctx,
		`
		select `+qualify("e", endpointColumns)+`, coalesce("mv"."artifact_uri", '')
		from "endpoints" as "e"
		left join "model_versions" as "mv" on "mv"."id" = "e"."model_version_id"
		where "e"."id" = $1
		`,
		endpointId,
	)

	var (
		bundle kdb.EndpointBundle
		err    error
	)
	bundle.Endpoint, err = scanEndpoint(row, &bundle.ArtifactUri)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kdb.EndpointBundle{}, kpgerr.Missing{Table: "endpoints", Identity: endpointId}
		}
		return kdb.EndpointBundle{}, xe.Wrap(err)
	}
	return bundle, nil
}

func (m *endpointPG) SetStatus(ctx context.Context, endpointId string, status kdb.EndpointStatus, url string, errorString string) error {
	_, err := m.pool.Exec(
		ctx,
		`
		update "endpoints"
		set "status" = $2,
		    "url" = coalesce(nullif($3, ''), "url"),
		    "error" = nullif($4, ''),
		    "updated_at" = now()
		where "id" = $1
		`,
		endpointId, string(status), url, errorString,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (m *endpointPG) SoftDelete(ctx context.Context, endpointId string) error {
	// rename releases the uniqueness constraint on ("tenant_id", "project_id", "name").
	_, err := m.pool.Exec(
		ctx,
		`
		update "endpoints"
		set "status" = 'DELETED',
		    "name" = "name" || '~deleted~' || left("id"::text, 8),
		    "url" = null,
		    "updated_at" = now()
		where "id" = $1 and "status" <> 'DELETED'
		`,
		endpointId,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	return nil
}

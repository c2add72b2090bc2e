package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	kdb "github.com/opst/gpuplane/pkg/db"
	kpgerr "github.com/opst/gpuplane/pkg/db/postgres/errors"
	xe "github.com/opst/gpuplane/pkg/errors"
)

type gpuJobPG struct { // implements kdb.GpuJobInterface
	pool *pgxpool.Pool
}

func newGpuJob(pool *pgxpool.Pool) *gpuJobPG {
	return &gpuJobPG{pool: pool}
}

var _ kdb.GpuJobInterface = &gpuJobPG{}

// column list shared by every query returning whole rows.
// keep in sync with scanGpuJob.
const gpuJobColumns = `
	"id", "tenant_id", "project_id", "created_by",
	"gpu_pool_requested", "isolation_level", "priority", "target_url", "request_json",
	"status", "gpu_pool_assigned", "dispatch_token", "dispatch_attempts", "dispatched_at",
	"response_json", "error", "started_at", "finished_at",
	"requested_at", "updated_at"
`

type rowScanner interface {
	Scan(...interface{}) error
}

func scanGpuJob(r rowScanner) (kdb.GpuJob, error) {
	var (
		job           kdb.GpuJob
		poolRequested string
		isolation     string
		status        string
		requestJson   []byte
		poolAssigned  sql.NullString
		token         sql.NullString
		dispatchedAt  sql.NullTime
		responseJson  []byte
		errorString   sql.NullString
		startedAt     sql.NullTime
		finishedAt    sql.NullTime
	)

	if err := r.Scan(
		&job.Id, &job.TenantId, &job.ProjectId, &job.CreatedBy,
		&poolRequested, &isolation, &job.Priority, &job.TargetUrl, &requestJson,
		&status, &poolAssigned, &token, &job.DispatchAttempts, &dispatchedAt,
		&responseJson, &errorString, &startedAt, &finishedAt,
		&job.RequestedAt, &job.UpdatedAt,
	); err != nil {
		return kdb.GpuJob{}, err
	}

	job.PoolRequested = kdb.GpuPool(poolRequested)
	job.Isolation = kdb.IsolationLevel(isolation)
	job.Status = kdb.GpuJobStatus(status)
	if requestJson != nil {
		job.RequestJson = json.RawMessage(requestJson)
	}
	if poolAssigned.Valid {
		job.PoolAssigned = kdb.GpuPool(poolAssigned.String)
	}
	if token.Valid {
		job.DispatchToken = token.String
	}
	if dispatchedAt.Valid {
		t := dispatchedAt.Time
		job.DispatchedAt = &t
	}
	if responseJson != nil {
		job.ResponseJson = json.RawMessage(responseJson)
	}
	if errorString.Valid {
		job.Error = errorString.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}

	return job, nil
}

func (m *gpuJobPG) Register(ctx context.Context, spec kdb.GpuJobSpec) (kdb.GpuJob, error) {
	jobId := uuid.NewString()

	row := m.pool.QueryRow(
		ctx,
		`
		insert into "gpu_jobs" (
			"id", "tenant_id", "project_id", "created_by",
			"gpu_pool_requested", "isolation_level", "priority", "target_url", "request_json",
			"status"
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'QUEUED')
		returning `+gpuJobColumns,
		jobId, spec.TenantId, spec.ProjectId, spec.CreatedBy,
		string(spec.PoolRequested), string(spec.Isolation), spec.Priority,
		spec.TargetUrl, []byte(spec.RequestJson),
	)

	job, err := scanGpuJob(row)
	if err != nil {
		return kdb.GpuJob{}, xe.Wrap(err)
	}
	return job, nil
}

func (m *gpuJobPG) Get(ctx context.Context, tenantId, projectId, jobId string) (kdb.GpuJob, error) {
	row := m.pool.QueryRow(
		ctx,
		`
		select `+gpuJobColumns+`
		from "gpu_jobs"
		where "tenant_id" = $1 and "project_id" = $2 and "id" = $3
		`,
		tenantId, projectId, jobId,
	)

	job, err := scanGpuJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kdb.GpuJob{}, kpgerr.Missing{Table: "gpu_jobs", Identity: jobId}
		}
		return kdb.GpuJob{}, xe.Wrap(err)
	}
	return job, nil
}

func (m *gpuJobPG) Find(ctx context.Context, tenantId, projectId string, limit int) ([]kdb.GpuJob, error) {
	rows, err := m.pool.Query(
		ctx,
		`
		select `+gpuJobColumns+`
		from "gpu_jobs"
		where "tenant_id" = $1 and "project_id" = $2
		order by "requested_at" desc
		limit $3
		`,
		tenantId, projectId, limit,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	jobs := []kdb.GpuJob{}
	for rows.Next() {
		job, err := scanGpuJob(rows)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (m *gpuJobPG) CountPending(ctx context.Context, tenantId string) (int, error) {
	var count int
	if err := m.pool.QueryRow(
		ctx,
		`
		select count(1) from "gpu_jobs"
		where "tenant_id" = $1 and "status" in ('QUEUED', 'DISPATCHED')
		`,
		tenantId,
	).Scan(&count); err != nil {
		return 0, xe.Wrap(err)
	}
	return count, nil
}

func (m *gpuJobPG) InFlight(ctx context.Context, pool kdb.GpuPool, isolation *kdb.IsolationLevel) (kdb.InFlightCount, error) {
	query := `
		select "tenant_id", count(1) from "gpu_jobs"
		where "status" in ('DISPATCHED', 'RUNNING') and "gpu_pool_assigned" = $1
	`
	args := []interface{}{string(pool)}
	if isolation != nil {
		query += ` and "isolation_level" = $2`
		args = append(args, string(*isolation))
	}
	query += ` group by "tenant_id"`

	rows, err := m.pool.Query(ctx, query, args...)
	if err != nil {
		return kdb.InFlightCount{}, xe.Wrap(err)
	}
	defer rows.Close()

	count := kdb.InFlightCount{ByTenant: map[string]int{}}
	for rows.Next() {
		var tenantId string
		var n int
		if err := rows.Scan(&tenantId, &n); err != nil {
			return kdb.InFlightCount{}, xe.Wrap(err)
		}
		count.ByTenant[tenantId] = n
		count.Total += n
	}
	return count, rows.Err()
}

func (m *gpuJobPG) Candidates(ctx context.Context, pool kdb.GpuPool, includeAuto bool, limit int) ([]kdb.GpuJob, error) {
	rows, err := m.pool.Query(
		ctx,
		`
		select `+qualify("j", gpuJobColumns)+`
		from "gpu_jobs" as "j"
		left join "tenant_gpu_policies" as "p" on "p"."tenant_id" = "j"."tenant_id"
		where "j"."status" = 'QUEUED'
		  and ("j"."gpu_pool_requested" = $1 or ($2 and "j"."gpu_pool_requested" = 'auto'))
		order by ("j"."priority" + coalesce("p"."priority_boost", 0)) desc,
		         "j"."requested_at" asc,
		         "j"."id" asc
		limit $3
		`,
		string(pool), includeAuto, limit,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	jobs := []kdb.GpuJob{}
	for rows.Next() {
		job, err := scanGpuJob(rows)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (m *gpuJobPG) Dispatch(ctx context.Context, jobId string, pool kdb.GpuPool) (kdb.GpuJob, bool, error) {
	if pool != kdb.PoolT4 && pool != kdb.PoolMig {
		return kdb.GpuJob{}, false, xe.Wrap(kdb.ErrInvalidStateChanging)
	}

	token := uuid.NewString()
	row := m.pool.QueryRow(
		ctx,
		`
		update "gpu_jobs"
		set "status" = 'DISPATCHED',
		    "gpu_pool_assigned" = $2,
		    "dispatch_token" = $3,
		    "dispatch_attempts" = "dispatch_attempts" + 1,
		    "dispatched_at" = now(),
		    "updated_at" = now()
		where "id" = $1 and "status" = 'QUEUED'
		returning `+gpuJobColumns,
		jobId, string(pool), token,
	)

	job, err := scanGpuJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kdb.GpuJob{}, false, nil // someone else won the race. skip.
		}
		return kdb.GpuJob{}, false, xe.Wrap(err)
	}
	return job, true, nil
}

func (m *gpuJobPG) RevertDispatch(ctx context.Context, jobId string, dispatchToken string) error {
	_, err := m.pool.Exec(
		ctx,
		`
		update "gpu_jobs"
		set "status" = 'QUEUED',
		    "gpu_pool_assigned" = null,
		    "dispatch_token" = null,
		    "dispatched_at" = null,
		    "updated_at" = now()
		where "id" = $1 and "status" = 'DISPATCHED' and "dispatch_token" = $2
		`,
		jobId, dispatchToken,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (m *gpuJobPG) PickToRun(ctx context.Context, jobId string, dispatchToken string) (kdb.GpuJob, bool, error) {
	row := m.pool.QueryRow(
		ctx,
		`
		update "gpu_jobs"
		set "status" = 'RUNNING', "started_at" = now(), "updated_at" = now()
		where "id" = $1 and "status" = 'DISPATCHED' and "dispatch_token" = $2
		returning `+gpuJobColumns,
		jobId, dispatchToken,
	)

	job, err := scanGpuJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kdb.GpuJob{}, false, nil // stale token. another executor owns it.
		}
		return kdb.GpuJob{}, false, xe.Wrap(err)
	}
	return job, true, nil
}

func (m *gpuJobPG) Finish(ctx context.Context, jobId string, dispatchToken string, result kdb.GpuJobResult) (kdb.GpuJob, bool, error) {
	if !result.Status.Terminal() {
		return kdb.GpuJob{}, false, xe.Wrap(kdb.ErrInvalidStateChanging)
	}

	row := m.pool.QueryRow(
		ctx,
		`
		update "gpu_jobs"
		set "status" = $3,
		    "response_json" = $4,
		    "error" = nullif($5, ''),
		    "finished_at" = now(),
		    "updated_at" = now()
		where "id" = $1 and "status" = 'RUNNING' and "dispatch_token" = $2
		returning `+gpuJobColumns,
		jobId, dispatchToken, string(result.Status), []byte(result.ResponseJson), result.Error,
	)

	job, err := scanGpuJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kdb.GpuJob{}, false, nil
		}
		return kdb.GpuJob{}, false, xe.Wrap(err)
	}
	return job, true, nil
}

func (m *gpuJobPG) FailDispatched(ctx context.Context, jobId string, dispatchToken string, errorString string) (bool, error) {
	tag, err := m.pool.Exec(
		ctx,
		`
		update "gpu_jobs"
		set "status" = 'FAILED', "error" = $3, "finished_at" = now(), "updated_at" = now()
		where "id" = $1 and "status" = 'DISPATCHED' and "dispatch_token" = $2
		`,
		jobId, dispatchToken, errorString,
	)
	if err != nil {
		return false, xe.Wrap(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (m *gpuJobPG) Reclaim(ctx context.Context, dispatchTimeout, executionTimeout time.Duration, maxAttempts int) (kdb.ReclaimedJobs, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return kdb.ReclaimedJobs{}, xe.Wrap(err)
	}
	defer tx.Rollback(ctx)

	reclaimed := kdb.ReclaimedJobs{}

	collect := func(rows pgx.Rows) ([]string, error) {
		defer rows.Close()
		ids := []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	{
		rows, err := tx.Query(
			ctx,
			`
			update "gpu_jobs"
			set "status" = 'QUEUED',
			    "gpu_pool_assigned" = null,
			    "dispatch_token" = null,
			    "dispatched_at" = null,
			    "updated_at" = now()
			where "status" = 'DISPATCHED'
			  and "dispatched_at" < now() - ($1::float * interval '1 second')
			  and "dispatch_attempts" < $2
			returning "id"
			`,
			dispatchTimeout.Seconds(), maxAttempts,
		)
		if err != nil {
			return kdb.ReclaimedJobs{}, xe.Wrap(err)
		}
		if reclaimed.Requeued, err = collect(rows); err != nil {
			return kdb.ReclaimedJobs{}, xe.Wrap(err)
		}
	}

	{
		rows, err := tx.Query(
			ctx,
			`
			update "gpu_jobs"
			set "status" = 'FAILED',
			    "error" = 'dispatch_timeout',
			    "finished_at" = now(),
			    "updated_at" = now()
			where "status" = 'DISPATCHED'
			  and "dispatched_at" < now() - ($1::float * interval '1 second')
			  and "dispatch_attempts" >= $2
			returning "id"
			`,
			dispatchTimeout.Seconds(), maxAttempts,
		)
		if err != nil {
			return kdb.ReclaimedJobs{}, xe.Wrap(err)
		}
		if reclaimed.TimedOut, err = collect(rows); err != nil {
			return kdb.ReclaimedJobs{}, xe.Wrap(err)
		}
	}

	{
		// RUNNING is not redispatched: the work may have had side effects
		// and must not be billed twice.
		rows, err := tx.Query(
			ctx,
			`
			update "gpu_jobs"
			set "status" = 'FAILED',
			    "error" = 'executor_timeout',
			    "finished_at" = now(),
			    "updated_at" = now()
			where "status" = 'RUNNING'
			  and "started_at" < now() - ($1::float * interval '1 second')
			returning "id"
			`,
			executionTimeout.Seconds(),
		)
		if err != nil {
			return kdb.ReclaimedJobs{}, xe.Wrap(err)
		}
		if reclaimed.Stuck, err = collect(rows); err != nil {
			return kdb.ReclaimedJobs{}, xe.Wrap(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return kdb.ReclaimedJobs{}, xe.Wrap(err)
	}
	return reclaimed, nil
}

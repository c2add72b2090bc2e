package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	kdb "github.com/opst/gpuplane/pkg/db"
	xe "github.com/opst/gpuplane/pkg/errors"
)

type policyPG struct { // implements kdb.PolicyInterface
	pool *pgxpool.Pool
}

func newPolicy(pool *pgxpool.Pool) *policyPG {
	return &policyPG{pool: pool}
}

var _ kdb.PolicyInterface = &policyPG{}

const policyColumns = `
	"tenant_id", "plan", "t4_max_concurrency", "mig_max_concurrency",
	"max_queued_jobs", "priority_boost", "updated_at"
`

func scanPolicy(r rowScanner) (kdb.TenantGpuPolicy, error) {
	var p kdb.TenantGpuPolicy
	if err := r.Scan(
		&p.TenantId, &p.Plan, &p.T4MaxConcurrency, &p.MigMaxConcurrency,
		&p.MaxQueuedJobs, &p.PriorityBoost, &p.UpdatedAt,
	); err != nil {
		return kdb.TenantGpuPolicy{}, err
	}
	return p, nil
}

func (m *policyPG) Ensure(ctx context.Context, tenantId string) (kdb.TenantGpuPolicy, error) {
	row := m.pool.QueryRow(
		ctx,
		`select `+policyColumns+` from "tenant_gpu_policies" where "tenant_id" = $1`,
		tenantId,
	)

	policy, err := scanPolicy(row)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return kdb.TenantGpuPolicy{}, xe.Wrap(err)
	}

	// first touch: materialize the default row. racing inserters are fine.
	def := kdb.DefaultPolicy(tenantId)
	if _, err := m.pool.Exec(
		ctx,
		`
		insert into "tenant_gpu_policies" (
			"tenant_id", "plan", "t4_max_concurrency", "mig_max_concurrency",
			"max_queued_jobs", "priority_boost"
		)
		values ($1, $2, $3, $4, $5, $6)
		on conflict ("tenant_id") do nothing
		`,
		def.TenantId, def.Plan, def.T4MaxConcurrency, def.MigMaxConcurrency,
		def.MaxQueuedJobs, def.PriorityBoost,
	); err != nil {
		return kdb.TenantGpuPolicy{}, xe.Wrap(err)
	}
	return def, nil
}

func (m *policyPG) Find(ctx context.Context) ([]kdb.TenantGpuPolicy, error) {
	rows, err := m.pool.Query(
		ctx,
		`select `+policyColumns+` from "tenant_gpu_policies" order by "tenant_id"`,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	policies := []kdb.TenantGpuPolicy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (m *policyPG) Upsert(ctx context.Context, policy kdb.TenantGpuPolicy) error {
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "tenant_gpu_policies" (
			"tenant_id", "plan", "t4_max_concurrency", "mig_max_concurrency",
			"max_queued_jobs", "priority_boost"
		)
		values ($1, $2, $3, $4, $5, $6)
		on conflict ("tenant_id") do update set
			"plan" = excluded."plan",
			"t4_max_concurrency" = excluded."t4_max_concurrency",
			"mig_max_concurrency" = excluded."mig_max_concurrency",
			"max_queued_jobs" = excluded."max_queued_jobs",
			"priority_boost" = excluded."priority_boost",
			"updated_at" = now()
		`,
		policy.TenantId, policy.Plan, policy.T4MaxConcurrency, policy.MigMaxConcurrency,
		policy.MaxQueuedJobs, policy.PriorityBoost,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	return nil
}

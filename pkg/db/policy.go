package db

import (
	"context"
	"time"
)

// TenantGpuPolicy is per-tenant admission and fairness knobs.
//
// A tenant without a row gets DefaultPolicy(); the store materializes the
// default row on first touch so that operators can edit it later.
type TenantGpuPolicy struct {
	TenantId          string
	Plan              string
	T4MaxConcurrency  int
	MigMaxConcurrency int
	MaxQueuedJobs     int
	PriorityBoost     int
	UpdatedAt         time.Time
}

func DefaultPolicy(tenantId string) TenantGpuPolicy {
	return TenantGpuPolicy{
		TenantId:          tenantId,
		Plan:              "free",
		T4MaxConcurrency:  1,
		MigMaxConcurrency: 0,
		MaxQueuedJobs:     50,
		PriorityBoost:     0,
	}
}

// MaxConcurrency returns the tenant's cap in the given pool.
func (p TenantGpuPolicy) MaxConcurrency(pool GpuPool) int {
	switch pool {
	case PoolMig:
		return p.MigMaxConcurrency
	default:
		return p.T4MaxConcurrency
	}
}

type PolicyInterface interface {
	// Ensure fetches the tenant's policy, inserting the default row when the
	// tenant has none yet.
	Ensure(ctx context.Context, tenantId string) (TenantGpuPolicy, error)

	// Find lists all policies ordered by tenant id.
	Find(ctx context.Context) ([]TenantGpuPolicy, error)

	// Upsert creates or replaces the tenant's policy.
	Upsert(ctx context.Context, policy TenantGpuPolicy) error
}

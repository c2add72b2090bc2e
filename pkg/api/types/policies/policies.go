package policies

import (
	"time"

	kdb "github.com/opst/gpuplane/pkg/db"
)

// Spec is the request body of PUT /api/v1/tenant-gpu-policies/{tenant_id}.
type Spec struct {
	Plan              string `json:"plan,omitempty"`
	T4MaxConcurrency  *int   `json:"t4_max_concurrency,omitempty"`
	MigMaxConcurrency *int   `json:"mig_max_concurrency,omitempty"`
	MaxQueuedJobs     *int   `json:"max_queued_jobs,omitempty"`
	PriorityBoost     *int   `json:"priority_boost,omitempty"`
}

// Merge overlays s on the defaults for the tenant.
func (s Spec) Merge(tenantId string) kdb.TenantGpuPolicy {
	policy := kdb.DefaultPolicy(tenantId)
	if s.Plan != "" {
		policy.Plan = s.Plan
	}
	if s.T4MaxConcurrency != nil {
		policy.T4MaxConcurrency = *s.T4MaxConcurrency
	}
	if s.MigMaxConcurrency != nil {
		policy.MigMaxConcurrency = *s.MigMaxConcurrency
	}
	if s.MaxQueuedJobs != nil {
		policy.MaxQueuedJobs = *s.MaxQueuedJobs
	}
	if s.PriorityBoost != nil {
		policy.PriorityBoost = *s.PriorityBoost
	}
	return policy
}

type Detail struct {
	TenantId          string    `json:"tenant_id"`
	Plan              string    `json:"plan"`
	T4MaxConcurrency  int       `json:"t4_max_concurrency"`
	MigMaxConcurrency int       `json:"mig_max_concurrency"`
	MaxQueuedJobs     int       `json:"max_queued_jobs"`
	PriorityBoost     int       `json:"priority_boost"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func ComposeDetail(p kdb.TenantGpuPolicy) Detail {
	return Detail{
		TenantId:          p.TenantId,
		Plan:              p.Plan,
		T4MaxConcurrency:  p.T4MaxConcurrency,
		MigMaxConcurrency: p.MigMaxConcurrency,
		MaxQueuedJobs:     p.MaxQueuedJobs,
		PriorityBoost:     p.PriorityBoost,
		UpdatedAt:         p.UpdatedAt,
	}
}

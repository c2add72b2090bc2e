package bus

import (
	"time"

	kdb "github.com/opst/gpuplane/pkg/db"
)

const (
	SubjectEnqueued              = "gpu.jobs.enqueued"
	SubjectDispatchedT4Shared    = "gpu.jobs.dispatched.t4.shared"
	SubjectDispatchedT4Exclusive = "gpu.jobs.dispatched.t4.exclusive"
	SubjectDispatchedMig         = "gpu.jobs.dispatched.mig"
	SubjectFinished              = "gpu.jobs.finished"

	SubjectDeployRequested = "serving.deploy_requested"
	SubjectDeleteRequested = "serving.delete_requested"
)

// DispatchSubject routes a dispatch to the consumer group serving the
// (pool, isolation) bucket. MIG has no isolation split.
func DispatchSubject(pool kdb.GpuPool, isolation kdb.IsolationLevel) string {
	if pool == kdb.PoolMig {
		return SubjectDispatchedMig
	}
	if isolation == kdb.Exclusive {
		return SubjectDispatchedT4Exclusive
	}
	return SubjectDispatchedT4Shared
}

// Enqueued is informational: the scheduler polls the store, so losing this
// event does not break correctness.
type Enqueued struct {
	TenantId      string    `json:"tenant_id"`
	ProjectId     string    `json:"project_id"`
	JobId         string    `json:"job_id"`
	PoolRequested string    `json:"gpu_pool_requested"`
	Isolation     string    `json:"isolation_level"`
	Priority      int       `json:"priority"`
	At            time.Time `json:"at"`
}

// Dispatched hands a DISPATCHED job to an executor. The token gates every
// further transition; stale events become no-ops at the store.
type Dispatched struct {
	TenantId      string    `json:"tenant_id"`
	ProjectId     string    `json:"project_id"`
	JobId         string    `json:"job_id"`
	DispatchToken string    `json:"dispatch_token"`
	At            time.Time `json:"at"`
}

type Finished struct {
	TenantId       string    `json:"tenant_id"`
	ProjectId      string    `json:"project_id"`
	JobId          string    `json:"job_id"`
	Status         string    `json:"status"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	At             time.Time `json:"at"`
}

type EndpointRequested struct {
	TenantId   string    `json:"tenant_id"`
	ProjectId  string    `json:"project_id"`
	EndpointId string    `json:"endpoint_id"`
	At         time.Time `json:"at"`
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type GpuJobStatus string

const (
	// This job is accepted and waits to be dispatched.
	Queued GpuJobStatus = "QUEUED"

	// This job is handed to a dispatcher. A dispatch token is issued.
	Dispatched GpuJobStatus = "DISPATCHED"

	// An executor owns this job and performs its work.
	Running GpuJobStatus = "RUNNING"

	// This job has been done, successfully.
	Succeeded GpuJobStatus = "SUCCEEDED"

	// This job stopped with error.
	Failed GpuJobStatus = "FAILED"
)

func (s GpuJobStatus) String() string {
	return string(s)
}

func AsGpuJobStatus(status string) (GpuJobStatus, error) {
	switch status {
	case string(Queued):
		return Queued, nil
	case string(Dispatched):
		return Dispatched, nil
	case string(Running):
		return Running, nil
	case string(Succeeded):
		return Succeeded, nil
	case string(Failed):
		return Failed, nil
	default:
		return "", fmt.Errorf("'%s' is not GpuJobStatus", status)
	}
}

func (s GpuJobStatus) Terminal() bool {
	switch s {
	case Succeeded, Failed:
		return true
	default:
		return false
	}
}

// CanAdvanceTo reports whether next is a legal successor of s.
//
// Status advances only along QUEUED -> DISPATCHED -> RUNNING -> {SUCCEEDED, FAILED},
// except that a DISPATCHED job may be requeued (orphan reclaim) or failed
// (attempts exhausted), and a stale RUNNING job may be failed.
func (s GpuJobStatus) CanAdvanceTo(next GpuJobStatus) bool {
	switch s {
	case Queued:
		return next == Dispatched
	case Dispatched:
		return next == Running || next == Queued || next == Failed
	case Running:
		return next == Succeeded || next == Failed
	default:
		return false
	}
}

type GpuPool string

const (
	// time-sliced T4 pool. many logical slots per card.
	PoolT4 GpuPool = "t4"

	// hard-partitioned MIG pool.
	PoolMig GpuPool = "mig"

	// let the scheduler choose. resolved to t4 or mig at dispatch, never stored
	// in gpu_pool_assigned.
	PoolAuto GpuPool = "auto"
)

func AsGpuPool(pool string) (GpuPool, error) {
	switch pool {
	case string(PoolT4):
		return PoolT4, nil
	case string(PoolMig):
		return PoolMig, nil
	case string(PoolAuto):
		return PoolAuto, nil
	default:
		return "", fmt.Errorf("'%s' is not GpuPool", pool)
	}
}

type IsolationLevel string

const (
	// coexists with other shared jobs on time-sliced T4.
	Shared IsolationLevel = "shared"

	// soft exclusivity: no concurrent shared jobs while in-flight.
	Exclusive IsolationLevel = "exclusive"
)

// AsIsolationLevel parses an isolation level.
//
// "isolated" is accepted as an alias of "exclusive" for older clients.
func AsIsolationLevel(isolation string) (IsolationLevel, error) {
	switch isolation {
	case string(Shared), "":
		return Shared, nil
	case string(Exclusive), "isolated":
		return Exclusive, nil
	default:
		return "", fmt.Errorf("'%s' is not IsolationLevel", isolation)
	}
}

var ErrInvalidStateChanging = errors.New("invalid gpu job state changing")

// GpuJob is the authoritative record of one asynchronous GPU job.
type GpuJob struct {
	Id        string
	TenantId  string
	ProjectId string
	CreatedBy string

	PoolRequested GpuPool
	Isolation     IsolationLevel
	Priority      int
	TargetUrl     string
	RequestJson   json.RawMessage

	Status           GpuJobStatus
	PoolAssigned     GpuPool // t4 or mig once status has left QUEUED; "" while QUEUED
	DispatchToken    string  // uuid. set exactly once per dispatch attempt
	DispatchAttempts int
	DispatchedAt     *time.Time

	ResponseJson json.RawMessage
	Error        string
	StartedAt    *time.Time
	FinishedAt   *time.Time

	RequestedAt time.Time
	UpdatedAt   time.Time
}

// GpuJobSpec is what the Jobs API persists on submission.
type GpuJobSpec struct {
	TenantId  string
	ProjectId string
	CreatedBy string

	PoolRequested GpuPool
	Isolation     IsolationLevel
	Priority      int
	TargetUrl     string
	RequestJson   json.RawMessage
}

// GpuJobResult finishes a RUNNING job.
type GpuJobResult struct {
	// terminal status: Succeeded or Failed.
	Status GpuJobStatus

	ResponseJson json.RawMessage

	// well-known error string for Failed.
	Error string
}

// in-flight = DISPATCHED or RUNNING; these occupy a slot.
func InFlightStatuses() []GpuJobStatus {
	return []GpuJobStatus{Dispatched, Running}
}

// InFlightCount is a capacity snapshot of one (pool, isolation) bucket.
type InFlightCount struct {
	Total    int
	ByTenant map[string]int
}

func (c InFlightCount) Tenant(tenantId string) int {
	if c.ByTenant == nil {
		return 0
	}
	return c.ByTenant[tenantId]
}

// ReclaimedJobs reports what an orphan sweep did.
type ReclaimedJobs struct {
	// returned to QUEUED for redispatch.
	Requeued []string

	// failed with error="dispatch_timeout" (attempts exhausted).
	TimedOut []string

	// failed with error="executor_timeout" (stuck in RUNNING).
	Stuck []string
}

type GpuJobInterface interface {
	// Register persists a new job in QUEUED with a server-generated id.
	Register(ctx context.Context, spec GpuJobSpec) (GpuJob, error)

	// Get fetches one job scoped by tenancy.
	//
	// Returns ErrMissing-compatible error when not found.
	Get(ctx context.Context, tenantId, projectId, jobId string) (GpuJob, error)

	// Find lists jobs of a tenant/project, newest first, up to limit.
	Find(ctx context.Context, tenantId, projectId string, limit int) ([]GpuJob, error)

	// CountPending counts the tenant's jobs occupying queue room
	// (QUEUED and DISPATCHED), for max_queued_jobs admission.
	CountPending(ctx context.Context, tenantId string) (int, error)

	// InFlight snapshots DISPATCHED+RUNNING counts for a pool.
	// When isolation is non-nil, only that isolation level is counted.
	InFlight(ctx context.Context, pool GpuPool, isolation *IsolationLevel) (InFlightCount, error)

	// Candidates lists QUEUED jobs eligible for the pool, ordered by
	// (priority + tenant priority_boost) DESC, requested_at ASC, id ASC.
	//
	// Jobs requesting "auto" are included only when includeAuto is true;
	// the caller decides which pool absorbs auto requests.
	Candidates(ctx context.Context, pool GpuPool, includeAuto bool, limit int) ([]GpuJob, error)

	// Dispatch atomically transitions QUEUED -> DISPATCHED, assigns the pool,
	// issues a fresh dispatch token and increments dispatch_attempts.
	//
	// ok is false when another scheduler won the race (zero rows affected).
	Dispatch(ctx context.Context, jobId string, pool GpuPool) (job GpuJob, ok bool, err error)

	// RevertDispatch undoes a Dispatch whose event could not be published.
	// Guarded by the token issued by that Dispatch; a stale token is a no-op.
	RevertDispatch(ctx context.Context, jobId string, dispatchToken string) error

	// PickToRun transitions DISPATCHED -> RUNNING guarded by the dispatch token
	// and sets started_at. ok is false when the token is stale.
	PickToRun(ctx context.Context, jobId string, dispatchToken string) (job GpuJob, ok bool, err error)

	// Finish transitions RUNNING -> terminal guarded by the dispatch token
	// and sets finished_at. ok is false when the token is stale.
	Finish(ctx context.Context, jobId string, dispatchToken string, result GpuJobResult) (job GpuJob, ok bool, err error)

	// Reclaim sweeps orphans:
	//
	//   - DISPATCHED older than dispatchTimeout with attempts < maxAttempts
	//     go back to QUEUED (token and pool assignment cleared);
	//   - DISPATCHED older than dispatchTimeout with attempts >= maxAttempts
	//     become FAILED with error="dispatch_timeout";
	//   - RUNNING with started_at older than executionTimeout become FAILED
	//     with error="executor_timeout". RUNNING is never redispatched.
	Reclaim(ctx context.Context, dispatchTimeout, executionTimeout time.Duration, maxAttempts int) (ReclaimedJobs, error)

	// FailDispatched transitions DISPATCHED -> FAILED guarded by the dispatch
	// token, for dispatchers that exhausted their launch retries.
	FailDispatched(ctx context.Context, jobId string, dispatchToken string, errorString string) (ok bool, err error)
}

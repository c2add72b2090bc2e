// Package scheduling is the dispatch control loop.
//
// Each tick re-derives the authoritative ordering from the store and commits
// dispatches one conditional update at a time, so multiple replicas are safe:
// a tick that loses every race simply dispatches nothing. The advisory lock
// only suppresses that duplicate work.
package scheduling

import (
	"context"
	"log"
	"time"

	"github.com/opst/gpuplane/pkg/bus"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	"github.com/opst/gpuplane/pkg/loop"
)

// how many QUEUED jobs one tick examines per pool.
const candidateWindow = 100

// Stats is the loop value, for monitoring.
type Stats struct {
	Ticks      int
	Dispatched int
	Requeued   int
	Failed     int
}

func Seed() Stats {
	return Stats{}
}

func Task(
	logger *log.Logger,
	jobs kdb.GpuJobInterface,
	policies kdb.PolicyInterface,
	lock kdb.LockInterface,
	events bus.Bus,
	gpu *cfg.GpuConfig,
) loop.Task[Stats] {
	return func(ctx context.Context, value Stats) (Stats, loop.Next) {
		value.Ticks += 1

		release, ok, err := lock.TryScheduler(ctx)
		if err != nil {
			logger.Printf("scheduler lock: %v", err)
			return value, loop.Continue(gpu.Tick())
		}
		if !ok {
			// another replica leads. conditional updates keep us safe anyway.
			return value, loop.Continue(gpu.Tick())
		}
		defer release()

		tick := tick{
			logger:   logger,
			jobs:     jobs,
			policies: policies,
			events:   events,
			gpu:      gpu,
			policy:   map[string]kdb.TenantGpuPolicy{},
		}

		reclaimed, err := jobs.Reclaim(
			ctx, gpu.DispatchTimeout(), gpu.ExecutionTimeout(), gpu.MaxDispatchAttempts(),
		)
		if err != nil {
			logger.Printf("reclaim: %v", err)
			return value, loop.Continue(gpu.Tick())
		}
		if 0 < len(reclaimed.Requeued) {
			logger.Printf("requeued %d orphaned dispatches: %v", len(reclaimed.Requeued), reclaimed.Requeued)
		}
		if 0 < len(reclaimed.TimedOut) {
			logger.Printf("failed %d jobs: dispatch_timeout: %v", len(reclaimed.TimedOut), reclaimed.TimedOut)
		}
		if 0 < len(reclaimed.Stuck) {
			logger.Printf("failed %d jobs: executor_timeout: %v", len(reclaimed.Stuck), reclaimed.Stuck)
		}
		value.Requeued += len(reclaimed.Requeued)
		value.Failed += len(reclaimed.TimedOut) + len(reclaimed.Stuck)

		dispatched, err := tick.scheduleMig(ctx)
		if err != nil {
			logger.Printf("mig scheduling: %v", err)
			return value, loop.Continue(gpu.Tick())
		}
		value.Dispatched += dispatched

		dispatched, err = tick.scheduleT4(ctx)
		if err != nil {
			logger.Printf("t4 scheduling: %v", err)
			return value, loop.Continue(gpu.Tick())
		}
		value.Dispatched += dispatched

		return value, loop.Continue(gpu.Tick())
	}
}

type tick struct {
	logger   *log.Logger
	jobs     kdb.GpuJobInterface
	policies kdb.PolicyInterface
	events   bus.Bus
	gpu      *cfg.GpuConfig

	// policies resolved this tick.
	policy map[string]kdb.TenantGpuPolicy
}

func (t *tick) tenantPolicy(ctx context.Context, tenantId string) (kdb.TenantGpuPolicy, error) {
	if p, ok := t.policy[tenantId]; ok {
		return p, nil
	}
	p, err := t.policies.Ensure(ctx, tenantId)
	if err != nil {
		return kdb.TenantGpuPolicy{}, err
	}
	t.policy[tenantId] = p
	return p, nil
}

// dispatch commits one job and publishes its dispatch event.
// A failed publish reverts the row so the job is not stranded in DISPATCHED
// until the orphan sweep.
func (t *tick) dispatch(ctx context.Context, jobId string, pool kdb.GpuPool) (kdb.GpuJob, bool) {
	job, ok, err := t.jobs.Dispatch(ctx, jobId, pool)
	if err != nil {
		t.logger.Printf("dispatch %s: %v", jobId, err)
		return kdb.GpuJob{}, false
	}
	if !ok {
		return kdb.GpuJob{}, false // lost the race. skip.
	}

	subject := bus.DispatchSubject(pool, job.Isolation)
	if err := t.events.Publish(ctx, subject, bus.Dispatched{
		TenantId:      job.TenantId,
		ProjectId:     job.ProjectId,
		JobId:         job.Id,
		DispatchToken: job.DispatchToken,
		At:            time.Now(),
	}); err != nil {
		t.logger.Printf("dispatch %s: publish failed, reverting: %v", jobId, err)
		if err := t.jobs.RevertDispatch(ctx, job.Id, job.DispatchToken); err != nil {
			// the orphan sweep will requeue it after DISPATCH_TIMEOUT.
			t.logger.Printf("dispatch %s: revert failed: %v", jobId, err)
		}
		return kdb.GpuJob{}, false
	}

	return job, true
}

func (t *tick) scheduleMig(ctx context.Context) (int, error) {
	slots := t.gpu.MigTotalSlots()
	if slots <= 0 {
		return 0, nil
	}

	inFlight, err := t.jobs.InFlight(ctx, kdb.PoolMig, nil)
	if err != nil {
		return 0, err
	}

	capacity := slots - inFlight.Total
	if capacity <= 0 {
		return 0, nil
	}

	// auto requests land here: MIG isolates harder, so it absorbs them
	// whenever it has slots at all.
	candidates, err := t.jobs.Candidates(ctx, kdb.PoolMig, true, candidateWindow)
	if err != nil {
		return 0, err
	}

	byTenant := map[string]int{}
	for tenantId, n := range inFlight.ByTenant {
		byTenant[tenantId] = n
	}

	dispatched := 0
	for _, candidate := range candidates {
		if capacity <= 0 {
			break
		}

		policy, err := t.tenantPolicy(ctx, candidate.TenantId)
		if err != nil {
			return dispatched, err
		}
		if policy.MigMaxConcurrency <= byTenant[candidate.TenantId] {
			continue // tenant is capped. the next candidate may not be.
		}

		if _, ok := t.dispatch(ctx, candidate.Id, kdb.PoolMig); !ok {
			continue
		}
		capacity -= 1
		byTenant[candidate.TenantId] += 1
		dispatched += 1
	}
	return dispatched, nil
}

func (t *tick) scheduleT4(ctx context.Context) (int, error) {
	shared := kdb.Shared
	exclusive := kdb.Exclusive

	sharedInFlight, err := t.jobs.InFlight(ctx, kdb.PoolT4, &shared)
	if err != nil {
		return 0, err
	}
	exclusiveInFlight, err := t.jobs.InFlight(ctx, kdb.PoolT4, &exclusive)
	if err != nil {
		return 0, err
	}

	// auto requests fall back to T4 only when MIG has no slots configured.
	includeAuto := t.gpu.MigTotalSlots() <= 0

	candidates, err := t.jobs.Candidates(ctx, kdb.PoolT4, includeAuto, candidateWindow)
	if err != nil {
		return 0, err
	}

	localShared := sharedInFlight.Total
	localExclusive := exclusiveInFlight.Total

	byTenant := map[string]int{}
	for tenantId, n := range sharedInFlight.ByTenant {
		byTenant[tenantId] += n
	}
	for tenantId, n := range exclusiveInFlight.ByTenant {
		byTenant[tenantId] += n
	}

	dispatched := 0
	for _, candidate := range candidates {
		// soft exclusivity interlock, before any per-tenant check.
		if candidate.Isolation == kdb.Exclusive {
			if 0 < localShared {
				continue
			}
			if t.gpu.T4ExclusiveSlots() <= localExclusive {
				continue
			}
		} else {
			if 0 < localExclusive {
				continue
			}
			if t.gpu.T4SharedSlots() <= localShared {
				continue
			}
		}

		policy, err := t.tenantPolicy(ctx, candidate.TenantId)
		if err != nil {
			return dispatched, err
		}
		if policy.T4MaxConcurrency <= byTenant[candidate.TenantId] {
			continue
		}

		job, ok := t.dispatch(ctx, candidate.Id, kdb.PoolT4)
		if !ok {
			continue
		}

		if job.Isolation == kdb.Exclusive {
			localExclusive += 1
		} else {
			localShared += 1
		}
		byTenant[candidate.TenantId] += 1
		dispatched += 1
	}
	return dispatched, nil
}

package db

import "context"

// Database aggregates the store interfaces of the control plane.
type Database interface {
	GpuJob() GpuJobInterface
	Policy() PolicyInterface
	Endpoint() EndpointInterface
	Idempotency() IdempotencyInterface
	Usage() UsageInterface
	Lock() LockInterface

	Close()
}

// LockInterface is an advisory, best-effort leadership gate.
//
// Correctness never depends on it; conditional updates serialize transitions
// at the store. The lock only suppresses duplicate scheduler work.
type LockInterface interface {
	// TryScheduler takes the scheduler lock if free.
	// When ok, the returned func releases it.
	TryScheduler(ctx context.Context) (release func(), ok bool, err error)
}

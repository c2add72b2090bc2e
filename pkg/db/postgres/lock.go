package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	kdb "github.com/opst/gpuplane/pkg/db"
	xe "github.com/opst/gpuplane/pkg/errors"
)

// stable advisory lock key for the scheduler leadership gate.
const schedulerLockKey = 912345678

type lockPG struct { // implements kdb.LockInterface
	pool *pgxpool.Pool
}

func newLock(pool *pgxpool.Pool) *lockPG {
	return &lockPG{pool: pool}
}

var _ kdb.LockInterface = &lockPG{}

func (m *lockPG) TryScheduler(ctx context.Context) (func(), bool, error) {
	// session-level lock: hold one connection for the lock's lifetime.
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, false, xe.Wrap(err)
	}

	var locked bool
	if err := conn.QueryRow(
		ctx, `select pg_try_advisory_lock($1)`, schedulerLockKey,
	).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, xe.Wrap(err)
	}

	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// best-effort: the lock dies with the session anyway.
		_, _ = conn.Exec(context.Background(), `select pg_advisory_unlock($1)`, schedulerLockKey)
		conn.Release()
	}
	return release, true, nil
}

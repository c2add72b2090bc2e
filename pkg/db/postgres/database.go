package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	kdb "github.com/opst/gpuplane/pkg/db"
	xe "github.com/opst/gpuplane/pkg/errors"
	"github.com/opst/gpuplane/pkg/utils/retry"
)

// boot-time connection retries. the store usually comes up moments after us.
const connectAttempts = 5

type gpuplaneDBPostgres struct {
	pool        *pgxpool.Pool
	gpuJob      kdb.GpuJobInterface
	policy      kdb.PolicyInterface
	endpoint    kdb.EndpointInterface
	idempotency kdb.IdempotencyInterface
	usage       kdb.UsageInterface
	lock        kdb.LockInterface
}

var _ kdb.Database = &gpuplaneDBPostgres{}

func New(ctx context.Context, url string) (kdb.Database, error) {
	attempts := 0
	pool, err := retry.Blocking(
		ctx, retry.ExponentialBackoff(time.Second, 2),
		func() (*pgxpool.Pool, error) {
			p, err := pgxpool.Connect(ctx, url)
			if err != nil {
				attempts += 1
				if attempts < connectAttempts {
					return nil, retry.ErrRetry
				}
				return nil, err
			}
			return p, nil
		},
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	return &gpuplaneDBPostgres{
		pool:        pool,
		gpuJob:      newGpuJob(pool),
		policy:      newPolicy(pool),
		endpoint:    newEndpoint(pool),
		idempotency: newIdempotency(pool),
		usage:       newUsage(pool),
		lock:        newLock(pool),
	}, nil
}

func (d *gpuplaneDBPostgres) GpuJob() kdb.GpuJobInterface {
	return d.gpuJob
}

func (d *gpuplaneDBPostgres) Policy() kdb.PolicyInterface {
	return d.policy
}

func (d *gpuplaneDBPostgres) Endpoint() kdb.EndpointInterface {
	return d.endpoint
}

func (d *gpuplaneDBPostgres) Idempotency() kdb.IdempotencyInterface {
	return d.idempotency
}

func (d *gpuplaneDBPostgres) Usage() kdb.UsageInterface {
	return d.usage
}

func (d *gpuplaneDBPostgres) Lock() kdb.LockInterface {
	return d.lock
}

func (d *gpuplaneDBPostgres) Close() {
	d.pool.Close()
}

// qualify prefixes each quoted column in a comma-separated column list with
// a table alias, so shared column lists work in joins.
func qualify(alias string, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = `"` + alias + `".` + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

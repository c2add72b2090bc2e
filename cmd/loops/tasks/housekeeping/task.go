// Package housekeeping sweeps expired idempotency records.
package housekeeping

import (
	"context"
	"log"
	"time"

	kdb "github.com/opst/gpuplane/pkg/db"
	"github.com/opst/gpuplane/pkg/loop"
)

const sweepInterval = 5 * time.Minute

type Stats struct {
	Sweeps  int
	Removed int
}

func Seed() Stats {
	return Stats{}
}

func Task(logger *log.Logger, idempotency kdb.IdempotencyInterface) loop.Task[Stats] {
	return func(ctx context.Context, value Stats) (Stats, loop.Next) {
		removed, err := idempotency.Sweep(ctx)
		if err != nil {
			logger.Printf("idempotency sweep: %v", err)
			return value, loop.Continue(sweepInterval)
		}

		value.Sweeps += 1
		value.Removed += removed
		if 0 < removed {
			logger.Printf("swept %d expired idempotency records", removed)
		}
		return value, loop.Continue(sweepInterval)
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/opst/gpuplane/cmd/loops/tasks/housekeeping"
	"github.com/opst/gpuplane/cmd/loops/tasks/scheduling"
	"github.com/opst/gpuplane/pkg/bus"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	"github.com/opst/gpuplane/pkg/loop"
)

type LoopType string

const (
	Scheduling   LoopType = "scheduling"
	Housekeeping LoopType = "housekeeping"
)

func AsLoopType(s string) (LoopType, error) {
	switch s {
	case string(Scheduling):
		return Scheduling, nil
	case string(Housekeeping):
		return Housekeeping, nil
	default:
		return "", fmt.Errorf("'%s' is not a loop type", s)
	}
}

func (lt LoopType) String() string {
	return string(lt)
}

type LoggerOptions func(*log.Logger) *log.Logger

func byLogger(l *log.Logger, opt ...LoggerOptions) *log.Logger {
	for _, o := range opt {
		l = o(l)
	}
	return l
}

func Copied() LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		return log.New(l.Writer(), l.Prefix(), l.Flags())
	}
}

func WithPrefix(pre string) LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		l.SetPrefix(pre)
		return l
	}
}

func WithTimestamp() LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		l.SetFlags(l.Flags() | log.Ldate | log.Ltime | log.Lmicroseconds)
		return l
	}
}

// Wrapper for monitoring loop tasks.
//
// Logs one line each time a task run returns: its sequence number, how long
// it took, the loop decision and the returned value.
func monitor[T any](logger *log.Logger, task loop.Task[T]) loop.Task[T] {
	var counter uint64
	return func(ctx context.Context, t T) (ret T, next loop.Next) {
		counter += 1
		timestamp := time.Now()

		defer func() {
			logger.Printf(
				"task #0x%X (takes %s): %s with value = %+v",
				counter, time.Since(timestamp), next, ret,
			)
		}()

		ret, next = task(ctx, t)
		return
	}
}

func StartLoop(
	ctx context.Context,
	logger *log.Logger,
	loopType LoopType,
	database kdb.Database,
	events bus.Bus,
	conf *cfg.ClusterConfig,
) error {
	switch loopType {
	case Scheduling:
		l := byLogger(logger, Copied(), WithPrefix("[scheduling loop]"), WithTimestamp())
		_, err := loop.Start(
			ctx, scheduling.Seed(),
			scheduling.Task(
				l, database.GpuJob(), database.Policy(), database.Lock(),
				events, conf.Gpu(),
			),
		)
		return err

	case Housekeeping:
		l := byLogger(logger, Copied(), WithPrefix("[housekeeping loop]"), WithTimestamp())
		_, err := loop.Start(
			ctx, housekeeping.Seed(),
			monitor(l, housekeeping.Task(l, database.Idempotency())),
		)
		return err

	default:
		return fmt.Errorf("unknown loop type: %s", loopType)
	}
}

// Package dispatch consumes dispatch events and starts executors.
//
// Two modes:
//
//   - direct: run the executor in-process. dev/demo only.
//   - ephemeral: launch a compute unit (k8s Job) running the executor binary.
//
// Delivery is at-least-once; the dispatch token makes duplicates no-ops.
package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/opst/gpuplane/pkg/bus"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	"github.com/opst/gpuplane/pkg/loop"
	"github.com/opst/gpuplane/pkg/workloads/worker"
)

// after this many launch failures the job is failed instead of renacked.
const RedeliveryCap = 5

const errorDispatchLaunchFailed = "dispatch_launch_failed"

// Runner executes one dispatched job to its terminal state.
// *executor.Executor implements this.
type Runner interface {
	Run(ctx context.Context, jobId string, dispatchToken string) error
}

type Handler struct {
	logger *log.Logger
	jobs   kdb.GpuJobInterface

	mode cfg.ExecutionMode

	// direct mode
	runner Runner

	// ephemeral mode
	builder  worker.Builder
	launcher worker.Launcher

	pool      kdb.GpuPool
	isolation kdb.IsolationLevel
}

func NewDirect(logger *log.Logger, jobs kdb.GpuJobInterface, runner Runner) *Handler {
	return &Handler{
		logger: logger,
		jobs:   jobs,
		mode:   cfg.ModeDirect,
		runner: runner,
	}
}

func NewEphemeral(
	logger *log.Logger,
	jobs kdb.GpuJobInterface,
	builder worker.Builder,
	launcher worker.Launcher,
	pool kdb.GpuPool,
	isolation kdb.IsolationLevel,
) *Handler {
	return &Handler{
		logger:    logger,
		jobs:      jobs,
		mode:      cfg.ModeEphemeral,
		builder:   builder,
		launcher:  launcher,
		pool:      pool,
		isolation: isolation,
	}
}

// Handle processes one dispatch message, acking or nacking it.
func (h *Handler) Handle(ctx context.Context, msg bus.Message) {
	var evt bus.Dispatched
	if err := json.Unmarshal(msg.Data(), &evt); err != nil || evt.JobId == "" || evt.DispatchToken == "" {
		h.logger.Printf("dropping malformed dispatch event: %v", err)
		msg.Ack()
		return
	}

	switch h.mode {
	case cfg.ModeEphemeral:
		h.launch(ctx, msg, evt)
	default:
		h.execute(ctx, msg, evt)
	}
}

func (h *Handler) execute(ctx context.Context, msg bus.Message, evt bus.Dispatched) {
	if err := h.runner.Run(ctx, evt.JobId, evt.DispatchToken); err != nil {
		// infrastructure trouble. redeliver; the orphan sweep backstops us.
		h.logger.Printf("job %s: execution failed, nacking: %v", evt.JobId, err)
		msg.Nak()
		return
	}
	msg.Ack()
}

func (h *Handler) launch(ctx context.Context, msg bus.Message, evt bus.Dispatched) {
	unit := h.builder.Build(worker.Spec{
		JobId:         evt.JobId,
		DispatchToken: evt.DispatchToken,
		Pool:          h.pool,
		Isolation:     h.isolation,
	})

	if err := h.launcher.Launch(ctx, unit); err != nil {
		if RedeliveryCap <= msg.Deliveries() {
			h.logger.Printf(
				"job %s: launch failed %d times, failing job: %v",
				evt.JobId, msg.Deliveries(), err,
			)
			if _, failErr := h.jobs.FailDispatched(
				ctx, evt.JobId, evt.DispatchToken, errorDispatchLaunchFailed,
			); failErr != nil {
				h.logger.Printf("job %s: could not fail job: %v", evt.JobId, failErr)
				msg.Nak()
				return
			}
			msg.Ack()
			return
		}

		h.logger.Printf("job %s: launch failed, nacking: %v", evt.JobId, err)
		msg.Nak()
		return
	}

	msg.Ack()
}

// Task polls the subscription and handles each message.
func Task(logger *log.Logger, sub bus.Subscription, handler *Handler) loop.Task[int] {
	return func(ctx context.Context, handled int) (int, loop.Next) {
		msgs, err := sub.Fetch(ctx, 10, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return handled, loop.Break(ctx.Err())
			}
			logger.Printf("fetch: %v", err)
			return handled, loop.Continue(time.Second)
		}

		for _, msg := range msgs {
			handler.Handle(ctx, msg)
			handled += 1
		}
		return handled, loop.Continue(200 * time.Millisecond)
	}
}

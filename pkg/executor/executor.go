// Package executor performs the work of one dispatched GPU job.
//
// The same logic backs both execution modes: the dispatcher calls Run
// in-process (direct), and cmd/executor calls it once inside an ephemeral
// compute unit (ephemeral). Every transition is guarded by the dispatch
// token, so a stale executor exits silently without touching the job.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/opst/gpuplane/pkg/bus"
	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	xe "github.com/opst/gpuplane/pkg/errors"
)

type Executor struct {
	jobs  kdb.GpuJobInterface
	usage kdb.UsageInterface

	// optional: the finished event is informational.
	events bus.Bus

	kind          cfg.ExecutorKind
	httpTimeout   time.Duration
	simulateDelay time.Duration

	client *http.Client
	logger *log.Logger
}

type Option func(*Executor) *Executor

func WithEvents(events bus.Bus) Option {
	return func(e *Executor) *Executor {
		e.events = events
		return e
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(e *Executor) *Executor {
		e.logger = logger
		return e
	}
}

func New(jobs kdb.GpuJobInterface, usage kdb.UsageInterface, gpu *cfg.GpuConfig, options ...Option) *Executor {
	e := &Executor{
		jobs:          jobs,
		usage:         usage,
		kind:          gpu.Executor(),
		httpTimeout:   gpu.HttpTimeout(),
		simulateDelay: gpu.SimulateDelay(),
		client:        &http.Client{Timeout: gpu.HttpTimeout()},
		logger:        log.Default(),
	}
	for _, opt := range options {
		e = opt(e)
	}
	return e
}

// Run takes a dispatched job through RUNNING to a terminal state.
//
// It returns nil on any clean terminal transition, FAILED included: the
// caller's exit code signals infrastructure trouble only.
func (e *Executor) Run(ctx context.Context, jobId string, dispatchToken string) error {
	job, ok, err := e.jobs.PickToRun(ctx, jobId, dispatchToken)
	if err != nil {
		return xe.Wrap(err)
	}
	if !ok {
		// another executor owns the job, or it has been reclaimed.
		e.logger.Printf("job %s: stale or already processed. nothing to do.", jobId)
		return nil
	}

	response, workErr := e.perform(ctx, job)

	result := kdb.GpuJobResult{Status: kdb.Succeeded, ResponseJson: response}
	if workErr != nil {
		result = kdb.GpuJobResult{Status: kdb.Failed, Error: workErr.Error()}
	}

	finished, ok, err := e.jobs.Finish(ctx, jobId, dispatchToken, result)
	if err != nil {
		return xe.Wrap(err)
	}
	if !ok {
		// reclaimed as executor_timeout while we were working. it is failed
		// already; do not bill it twice.
		e.logger.Printf("job %s: lost ownership before finishing. dropping result.", jobId)
		return nil
	}

	elapsed := elapsedSeconds(finished)

	if err := e.usage.Append(ctx, kdb.UsageRecord{
		TenantId:    finished.TenantId,
		ProjectId:   finished.ProjectId,
		SubjectType: kdb.SubjectGpuJob,
		SubjectId:   finished.Id,
		Meter:       kdb.MeterGpuSeconds,
		Quantity:    elapsed,
		Labels: map[string]string{
			"pool":      string(finished.PoolAssigned),
			"isolation": string(finished.Isolation),
		},
	}); err != nil {
		// the job is terminal; the missed ledger row is an infra error the
		// unit's controller should surface.
		return xe.Wrap(err)
	}

	if e.events != nil {
		if err := e.events.Publish(ctx, bus.SubjectFinished, bus.Finished{
			TenantId:       finished.TenantId,
			ProjectId:      finished.ProjectId,
			JobId:          finished.Id,
			Status:         string(finished.Status),
			ElapsedSeconds: elapsed,
			At:             time.Now(),
		}); err != nil {
			e.logger.Printf("job %s: finished event not published: %v", jobId, err)
		}
	}

	e.logger.Printf("job %s: %s (%.1fs)", jobId, finished.Status, elapsed)
	return nil
}

func elapsedSeconds(job kdb.GpuJob) float64 {
	if job.StartedAt == nil || job.FinishedAt == nil {
		return 0
	}
	elapsed := job.FinishedAt.Sub(*job.StartedAt).Seconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func (e *Executor) perform(ctx context.Context, job kdb.GpuJob) (json.RawMessage, error) {
	switch e.kind {
	case cfg.ExecutorHttp:
		return e.performHttp(ctx, job)
	default:
		return e.performSimulate(ctx, job)
	}
}

func (e *Executor) performSimulate(ctx context.Context, job kdb.GpuJob) (json.RawMessage, error) {
	timer := time.NewTimer(e.simulateDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	response, err := json.Marshal(map[string]interface{}{
		"ok":         true,
		"target_url": job.TargetUrl,
		"echo":       job.RequestJson,
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (e *Executor) performHttp(ctx context.Context, job kdb.GpuJob) (json.RawMessage, error) {
	body := job.RequestJson
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, job.TargetUrl, bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		return nil, fmt.Errorf("target returned status %d: %.256s", resp.StatusCode, string(payload))
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("target returned non-JSON response")
	}
	return json.RawMessage(payload), nil
}

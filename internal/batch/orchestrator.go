package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketcache/internal/apperror"
	"marketcache/internal/util"
)

// Orchestrator advances one job by exactly one batch per invocation. It is
// stateless: every call reads the persisted job, does bounded work, and
// persists the outcome before returning, so any number of external triggers
// can drive the same job safely.
type Orchestrator struct {
	jobs            *Service
	proc            *Processor
	window          time.Duration
	persistAttempts int
	persistDelay    time.Duration
}

// NewOrchestrator creates an Orchestrator with the given options applied.
func NewOrchestrator(jobs *Service, proc *Processor, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		jobs:            jobs,
		proc:            proc,
		window:          50 * time.Second,
		persistAttempts: 3,
		persistDelay:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type OrchestratorOption func(*Orchestrator)

// WithWindow sets the execution-time budget of one invocation. It must be
// comfortably below the host's hard timeout so state is always persisted
// before the host kills the call.
func WithWindow(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.window = d }
}

// WithPersistRetry sets the bounded retry policy for writing the batch
// outcome back to the store.
func WithPersistRetry(attempts int, delay time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.persistAttempts = attempts
		o.persistDelay = delay
	}
}

// Advance runs the next unprocessed batch of the job and merges the result.
// Terminal and paused jobs are returned untouched. Per-ticker failures are
// recorded in the result and never fail the job; only a store that stays
// unreachable through the bounded retry does.
func (o *Orchestrator) Advance(ctx context.Context, jobID string) (*Job, error) {
	j, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Terminal() || j.Status == StatusPaused {
		return j, nil
	}

	j, err = o.jobs.Start(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("start job %s: %w", jobID, err)
	}
	if j.Status != StatusRunning {
		// Paused or finished by a concurrent invocation between the two reads.
		return j, nil
	}
	if j.CurrentBatch >= j.TotalBatches {
		// All batches merged; the final Advance flips status, so this is only
		// reachable through a redundant trigger racing completion.
		return j, nil
	}

	idx := j.CurrentBatch
	tickers := j.Batch(idx)
	deadline := time.Now().Add(o.window)

	slog.Info("processing batch", "job", j.ID, "batch", idx+1, "of", j.TotalBatches, "tickers", len(tickers))

	res := o.proc.RunBatch(ctx, tickers, BatchOptions{
		StartYear:     j.StartYear,
		EndYear:       j.EndYear,
		Force:         j.Force,
		RetryDelisted: j.RetryDelisted,
	}, deadline)

	if !res.Complete {
		// The batch index stays put so the next invocation re-runs this batch;
		// everything already fetched is durable in the cache and will be
		// skipped as a cache hit.
		msg := fmt.Sprintf("batch %d interrupted by execution window after %d of %d tickers",
			idx+1, res.Processed(), len(tickers))
		if terr := o.jobs.Touch(ctx, jobID, msg); terr != nil {
			slog.Error("touch job after interrupted batch", "job", jobID, "error", terr)
		}
		return o.jobs.Get(ctx, jobID)
	}

	var merged *Job
	err = util.Retry(ctx, o.persistAttempts, o.persistDelay, func() error {
		var aerr error
		merged, _, aerr = o.jobs.Advance(ctx, jobID, idx, res)
		var ae *apperror.AppError
		if errors.As(aerr, &ae) {
			return util.Permanent(aerr)
		}
		return aerr
	})
	if err != nil {
		if ferr := o.jobs.MarkFailed(ctx, jobID, "persist batch result: "+err.Error()); ferr != nil {
			slog.Error("mark job failed", "job", jobID, "error", ferr)
		}
		return nil, fmt.Errorf("advance job %s: %w", jobID, err)
	}

	if merged.Terminal() {
		slog.Info("job finished", "job", merged.ID, "status", merged.Status,
			"processed", merged.Processed, "successful", merged.Successful, "failed", merged.Failed)
	}
	return merged, nil
}

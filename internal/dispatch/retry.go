// ABOUTME: Retry sweep: re-dispatches failed jobs that still have attempts left.
// ABOUTME: Pacing is the sweep cadence itself — a flat interval, no per-job backoff.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mansueli/dispatchq/internal/store"
)

// Retryable is the retry decision: a failed job is re-queued while its
// recorded failures have not reached the limit. At retryCount == retryLimit
// the job is permanently terminal.
func Retryable(retryCount, retryLimit int32) bool {
	return retryCount < retryLimit
}

// RetrySweeper claims retryable failed jobs and re-dispatches them.
type RetrySweeper struct {
	store      *store.Store
	dispatcher *Dispatcher
	batch      int
	log        *slog.Logger
}

// NewRetrySweeper creates a RetrySweeper claiming up to batch jobs per sweep.
func NewRetrySweeper(st *store.Store, d *Dispatcher, batch int) *RetrySweeper {
	if batch <= 0 {
		batch = 100
	}
	return &RetrySweeper{store: st, dispatcher: d, batch: batch, log: slog.Default()}
}

// Sweep runs one retry pass. The claim predicate mirrors Retryable, so jobs
// at their limit are never selected. Per-job dispatch failures are logged
// and do not abort the rest of the batch.
func (rs *RetrySweeper) Sweep(ctx context.Context) error {
	jobs, err := rs.store.ClaimRetryable(ctx, rs.batch)
	if err != nil {
		return fmt.Errorf("retry sweep: %w", err)
	}
	for _, job := range jobs {
		jobsRetried.Inc()
		if err := rs.dispatcher.Dispatch(ctx, job); err != nil {
			rs.log.Warn("retry sweep: dispatch failed",
				"job_id", job.ID, "retry_count", job.RetryCount, "error", err)
		}
	}
	if len(jobs) > 0 {
		rs.log.Info("retry sweep", "requeued", len(jobs))
	}
	return nil
}

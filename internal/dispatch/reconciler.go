// ABOUTME: Reconciler: resolves outstanding handles to terminal job outcomes.
// ABOUTME: Safe under concurrent passes; each pass walks a disjoint skip-locked partition.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mansueli/dispatchq/internal/store"
	"github.com/mansueli/dispatchq/internal/transport"
)

// Reconciler collects responses for live handles and applies them to jobs.
type Reconciler struct {
	store *store.Store
	tr    transport.Transport
	batch int
	log   *slog.Logger
}

// NewReconciler creates a Reconciler processing up to batch handles per pass.
func NewReconciler(st *store.Store, tr transport.Transport, batch int) *Reconciler {
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{store: st, tr: tr, batch: batch, log: slog.Default()}
}

// ReconcileAll runs one reconciliation pass. For each handle this pass
// claims: a collected 2xx response completes the job, any other collected
// outcome fails it, and a still-pending response leaves the handle for the
// next pass. Parked transport results are dropped only for the handles the
// store reports as durably applied.
func (r *Reconciler) ReconcileAll(ctx context.Context) (store.ReconcileStats, error) {
	stats, err := r.store.ReconcileInFlight(ctx, r.batch, func(h store.Handle) store.Resolved {
		out := r.tr.Collect(h.HandleID)
		switch out.State {
		case transport.StateSuccess:
			if out.StatusCode >= 200 && out.StatusCode < 300 {
				return store.Resolved{
					Resolution: store.ResolutionComplete,
					Body:       string(out.Body),
				}
			}
			return store.Resolved{
				Resolution: store.ResolutionFailed,
				ErrMsg:     fmt.Sprintf("remote returned status %d", out.StatusCode),
			}
		case transport.StateFailure:
			return store.Resolved{
				Resolution: store.ResolutionFailed,
				ErrMsg:     out.Err.Error(),
			}
		default:
			return store.Resolved{Resolution: store.ResolutionPending}
		}
	})
	if err != nil {
		return stats, fmt.Errorf("reconcile pass: %w", err)
	}

	for _, handleID := range stats.Applied {
		r.tr.Forget(handleID)
	}
	if stats.Skipped > 0 {
		r.log.Warn("reconcile pass: jobs left in_flight before their outcome applied",
			"skipped", stats.Skipped)
	}

	reconcilePasses.Inc()
	jobsCompleted.Add(float64(stats.Completed))
	jobsFailed.Add(float64(stats.Failed))
	if stats.Completed+stats.Failed+stats.Pending > 0 {
		r.log.Debug("reconcile pass",
			"completed", stats.Completed,
			"failed", stats.Failed,
			"pending", stats.Pending,
		)
	}
	return stats, nil
}

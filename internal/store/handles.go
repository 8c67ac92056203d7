// ABOUTME: In-flight correlation handles and the reconciliation transaction.
// ABOUTME: ReconcileInFlight partitions handles across concurrent passes via SKIP LOCKED.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Handle correlates one outstanding dispatched request to exactly one job.
// Handle ids are UUIDs minted by the sending transport, never sequence
// values: two processes sharing this table must not mint the same id.
type Handle struct {
	HandleID uuid.UUID
	JobID    int64
}

// Resolution is the outcome of resolving one handle during reconciliation.
type Resolution int

const (
	// ResolutionPending leaves the handle in place for the next pass.
	ResolutionPending Resolution = iota
	// ResolutionComplete finishes the job with a result body.
	ResolutionComplete
	// ResolutionFailed fails the job, consuming one retry.
	ResolutionFailed
)

// Resolved carries the data applied for a non-pending resolution.
type Resolved struct {
	Resolution Resolution
	Body       string // result body, ResolutionComplete only
	ErrMsg     string // failure message, ResolutionFailed only
}

// ReconcileStats counts the outcomes of one reconciliation pass.
type ReconcileStats struct {
	Completed int
	Failed    int
	Pending   int
	// Skipped counts resolutions whose job had already left in_flight when
	// the guarded update ran; the handle and its collected result are kept.
	Skipped int
	// Applied lists the handles whose outcomes were durably recorded. The
	// caller may discard its parked transport results for these, and only
	// these.
	Applied []uuid.UUID
}

// ResolveFunc inspects one handle's collected response. It must not block:
// it is called while the reconciliation transaction holds row locks.
type ResolveFunc func(Handle) Resolved

// CountHandles returns the number of live handles. Test and admin helper.
func (s *Store) CountHandles(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM inflight_handles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count handles: %w", err)
	}
	return n, nil
}

// DeleteHandle removes a handle row regardless of job state.
func (s *Store) DeleteHandle(ctx context.Context, handleID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM inflight_handles WHERE handle_id = $1`, handleID); err != nil {
		return fmt.Errorf("delete handle %s: %w", handleID, err)
	}
	return nil
}

// ReconcileInFlight runs one reconciliation pass in a single transaction:
// it locks up to limit unclaimed handle rows with FOR UPDATE SKIP LOCKED,
// calls resolve for each, and applies the outcome in the same transaction —
// complete/failed job update plus handle delete, or nothing for a pending
// handle. Because concurrent passes skip each other's locked rows, no handle
// is ever resolved twice.
func (s *Store) ReconcileInFlight(ctx context.Context, limit int, resolve ResolveFunc) (ReconcileStats, error) {
	var stats ReconcileStats
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT handle_id, job_id FROM inflight_handles
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1`,
			limit)
		if err != nil {
			return fmt.Errorf("select handles: %w", err)
		}
		var handles []Handle
		for rows.Next() {
			var h Handle
			if err := rows.Scan(&h.HandleID, &h.JobID); err != nil {
				rows.Close()
				return fmt.Errorf("scan handle: %w", err)
			}
			handles = append(handles, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, h := range handles {
			r := resolve(h)
			switch r.Resolution {
			case ResolutionComplete:
				applied, err := completeInTx(ctx, tx, h, r.Body)
				if err != nil {
					return err
				}
				if !applied {
					stats.Skipped++
					continue
				}
				stats.Completed++
				stats.Applied = append(stats.Applied, h.HandleID)
			case ResolutionFailed:
				applied, err := failInTx(ctx, tx, h, r.ErrMsg)
				if err != nil {
					return err
				}
				if !applied {
					stats.Skipped++
					continue
				}
				stats.Failed++
				stats.Applied = append(stats.Applied, h.HandleID)
			default:
				stats.Pending++
			}
		}
		return nil
	})
	return stats, err
}

// completeInTx applies a complete resolution. Returns false when the job was
// no longer in_flight: the handle is kept so the collected result is not
// silently dropped.
func completeInTx(ctx context.Context, tx pgx.Tx, h Handle, body string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, result_body = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		h.JobID, StatusComplete, body, StatusInFlight)
	if err != nil {
		return false, fmt.Errorf("complete job %d: %w", h.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM inflight_handles WHERE handle_id = $1`, h.HandleID); err != nil {
		return false, fmt.Errorf("delete handle %s: %w", h.HandleID, err)
	}
	return true, nil
}

// failInTx applies a failed resolution under the same in_flight guard as
// completeInTx.
func failInTx(ctx context.Context, tx pgx.Tx, h Handle, errMsg string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, retry_count = retry_count + 1, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		h.JobID, StatusFailed, errMsg, StatusInFlight)
	if err != nil {
		return false, fmt.Errorf("fail job %d: %w", h.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM inflight_handles WHERE handle_id = $1`, h.HandleID); err != nil {
		return false, fmt.Errorf("delete handle %s: %w", h.HandleID, err)
	}
	return true, nil
}

// ABOUTME: Worker slot pool: a fixed-row table used as a counting semaphore.
// ABOUTME: AcquireSlot is non-blocking; an exhausted pool drops the caller's tick.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProvisionSlots sizes the worker slot pool to exactly n rows with ids
// 1..n. Idempotent; safe to run at every startup. Extra rows above n are
// removed only when not currently leased.
func (s *Store) ProvisionSlots(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("provision slots: pool size %d < 1", n)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO worker_slots (slot_id)
			SELECT gs FROM generate_series(1, $1) AS gs
			ON CONFLICT (slot_id) DO NOTHING`, n); err != nil {
			return fmt.Errorf("provision slots: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM worker_slots WHERE slot_id > $1 AND NOT leased`, n); err != nil {
			return fmt.Errorf("shrink slot pool: %w", err)
		}
		return nil
	})
}

// AcquireSlot tries to lease one free worker slot for holder without
// blocking: slots locked by a concurrent acquirer are skipped, and an
// exhausted pool returns ok=false immediately.
func (s *Store) AcquireSlot(ctx context.Context, holder uuid.UUID) (slotID int, ok bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT slot_id FROM worker_slots
			WHERE NOT leased
			ORDER BY slot_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1`)
		if scanErr := row.Scan(&slotID); scanErr != nil {
			if scanErr == pgx.ErrNoRows {
				return nil // pool exhausted; ok stays false
			}
			return fmt.Errorf("select free slot: %w", scanErr)
		}
		if _, execErr := tx.Exec(ctx, `
			UPDATE worker_slots
			SET leased = true, leased_by = $2, leased_at = now()
			WHERE slot_id = $1`,
			slotID, holder); execErr != nil {
			return fmt.Errorf("lease slot %d: %w", slotID, execErr)
		}
		ok = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return slotID, ok, nil
}

// ReleaseSlot returns a leased slot to the pool.
func (s *Store) ReleaseSlot(ctx context.Context, slotID int) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE worker_slots
		SET leased = false, leased_by = NULL, leased_at = NULL
		WHERE slot_id = $1`,
		slotID); err != nil {
		return fmt.Errorf("release slot %d: %w", slotID, err)
	}
	return nil
}

// ReleaseStaleSlots frees slots leased longer than threshold. A holder that
// crashes mid-pass never calls ReleaseSlot; without this the pool shrinks by
// one slot per crash until reconciliation halts. The threshold must comfortably
// exceed the longest reconciliation pass, or a live lease gets stolen.
func (s *Store) ReleaseStaleSlots(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE worker_slots
		SET leased = false, leased_by = NULL, leased_at = NULL
		WHERE leased AND leased_at < now() - make_interval(secs => $1)`,
		threshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("release stale slots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LeasedSlots returns the number of currently leased slots. Test and admin
// helper.
func (s *Store) LeasedSlots(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM worker_slots WHERE leased`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count leased slots: %w", err)
	}
	return n, nil
}

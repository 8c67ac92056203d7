// ABOUTME: Integration tests for the worker slot pool: provisioning and non-blocking leases.
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mansueli/dispatchq/internal/testutil"
)

func TestProvisionSlots_IdempotentAndResizable(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.ProvisionSlots(ctx, 4); err != nil {
		t.Fatalf("ProvisionSlots(4): %v", err)
	}
	if err := s.ProvisionSlots(ctx, 4); err != nil {
		t.Fatalf("ProvisionSlots(4) again: %v", err)
	}

	var n int
	if err := s.Pool().QueryRow(ctx, `SELECT count(*) FROM worker_slots`).Scan(&n); err != nil {
		t.Fatalf("count slots: %v", err)
	}
	if n != 4 {
		t.Errorf("slots = %d, want 4", n)
	}

	// Shrinking removes unleased rows above the new size.
	if err := s.ProvisionSlots(ctx, 2); err != nil {
		t.Fatalf("ProvisionSlots(2): %v", err)
	}
	if err := s.Pool().QueryRow(ctx, `SELECT count(*) FROM worker_slots`).Scan(&n); err != nil {
		t.Fatalf("count slots: %v", err)
	}
	if n != 2 {
		t.Errorf("slots after shrink = %d, want 2", n)
	}
}

func TestAcquireSlot_PoolBoundAndRelease(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	holder := uuid.New()

	const poolSize = 2
	if err := s.ProvisionSlots(ctx, poolSize); err != nil {
		t.Fatalf("ProvisionSlots: %v", err)
	}

	var held []int
	for i := 0; i < poolSize; i++ {
		slotID, ok, err := s.AcquireSlot(ctx, holder)
		if err != nil {
			t.Fatalf("AcquireSlot #%d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("AcquireSlot #%d: pool exhausted early", i+1)
		}
		held = append(held, slotID)
	}

	// The (N+1)th attempt returns immediately without a slot.
	_, ok, err := s.AcquireSlot(ctx, holder)
	if err != nil {
		t.Fatalf("AcquireSlot overflow: %v", err)
	}
	if ok {
		t.Error("acquired slot beyond pool size")
	}

	leased, err := s.LeasedSlots(ctx)
	if err != nil {
		t.Fatalf("LeasedSlots: %v", err)
	}
	if leased != poolSize {
		t.Errorf("leased = %d, want %d", leased, poolSize)
	}

	for _, id := range held {
		if err := s.ReleaseSlot(ctx, id); err != nil {
			t.Fatalf("ReleaseSlot(%d): %v", id, err)
		}
	}
	leased, _ = s.LeasedSlots(ctx)
	if leased != 0 {
		t.Errorf("leased after release = %d, want 0", leased)
	}

	// Released slots are immediately acquirable again.
	_, ok, err = s.AcquireSlot(ctx, holder)
	if err != nil || !ok {
		t.Fatalf("re-acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestReleaseStaleSlots_RecoversOrphanedLeases(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.ProvisionSlots(ctx, 1); err != nil {
		t.Fatalf("ProvisionSlots: %v", err)
	}

	// A holder that crashes mid-pass never releases its slot.
	crashed := uuid.New()
	_, ok, err := s.AcquireSlot(ctx, crashed)
	if err != nil || !ok {
		t.Fatalf("AcquireSlot: ok=%v err=%v", ok, err)
	}

	// A fresh lease is never stolen.
	n, err := s.ReleaseStaleSlots(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReleaseStaleSlots: %v", err)
	}
	if n != 0 {
		t.Errorf("released %d fresh leases, want 0", n)
	}

	// Age the lease past the threshold, as a crashed holder would leave it.
	if _, err := s.Pool().Exec(ctx,
		`UPDATE worker_slots SET leased_at = now() - interval '1 hour' WHERE leased`); err != nil {
		t.Fatalf("age lease: %v", err)
	}

	n, err = s.ReleaseStaleSlots(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReleaseStaleSlots: %v", err)
	}
	if n != 1 {
		t.Errorf("released = %d, want 1", n)
	}
	leased, _ := s.LeasedSlots(ctx)
	if leased != 0 {
		t.Errorf("leased = %d, want 0", leased)
	}

	// The pool is whole again.
	_, ok, err = s.AcquireSlot(ctx, uuid.New())
	if err != nil || !ok {
		t.Fatalf("acquire after stale release: ok=%v err=%v", ok, err)
	}
}

// ABOUTME: Integration tests for handle reconciliation, including the no-double-resolution property.
// ABOUTME: Concurrent ReconcileInFlight passes must partition the handle set via SKIP LOCKED.
package store_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/mansueli/dispatchq/internal/store"
	"github.com/mansueli/dispatchq/internal/testutil"
)

// inFlightJob submits a job and walks it to in_flight with the given handle.
func inFlightJob(t *testing.T, s *testutil.TestDB, ctx context.Context, handleID uuid.UUID) store.Job {
	t.Helper()
	job := mustSubmit(t, s, ctx, "POST", fmt.Sprintf("/h/%s", handleID), 0)
	if err := s.MarkDispatching(ctx, job.ID); err != nil {
		t.Fatalf("MarkDispatching: %v", err)
	}
	if err := s.MarkInFlight(ctx, job.ID, handleID); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	return job
}

func TestReconcileInFlight_AppliesResolutions(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	doneHandle := uuid.New()
	badHandle := uuid.New()

	done := inFlightJob(t, s, ctx, doneHandle)
	bad := inFlightJob(t, s, ctx, badHandle)
	wait := inFlightJob(t, s, ctx, uuid.New())

	stats, err := s.ReconcileInFlight(ctx, 100, func(h store.Handle) store.Resolved {
		switch h.HandleID {
		case doneHandle:
			return store.Resolved{Resolution: store.ResolutionComplete, Body: `{"ok":1}`}
		case badHandle:
			return store.Resolved{Resolution: store.ResolutionFailed, ErrMsg: "remote returned status 500"}
		default:
			return store.Resolved{Resolution: store.ResolutionPending}
		}
	})
	if err != nil {
		t.Fatalf("ReconcileInFlight: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want 1/1/1", stats)
	}

	for _, tc := range []struct {
		job        store.Job
		wantStatus string
	}{
		{done, store.StatusComplete},
		{bad, store.StatusFailed},
		{wait, store.StatusInFlight},
	} {
		got, err := s.GetJob(ctx, tc.job.ID)
		if err != nil {
			t.Fatalf("GetJob(%d): %v", tc.job.ID, err)
		}
		if got.Status != tc.wantStatus {
			t.Errorf("job %d status = %q, want %q", tc.job.ID, got.Status, tc.wantStatus)
		}
	}

	// Only the pending handle survives.
	n, err := s.CountHandles(ctx)
	if err != nil {
		t.Fatalf("CountHandles: %v", err)
	}
	if n != 1 {
		t.Errorf("handles = %d, want 1", n)
	}
}

func TestReconcileInFlight_ConcurrentPassesNeverDoubleResolve(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const handles = 30
	for i := 0; i < handles; i++ {
		inFlightJob(t, s, ctx, uuid.New())
	}

	const reconcilers = 5
	var (
		resolutions atomic.Int64
		wg          sync.WaitGroup
	)
	for i := 0; i < reconcilers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ReconcileInFlight(ctx, handles, func(store.Handle) store.Resolved {
				resolutions.Add(1)
				return store.Resolved{Resolution: store.ResolutionComplete, Body: "{}"}
			})
			if err != nil {
				t.Errorf("ReconcileInFlight: %v", err)
			}
		}()
	}
	wg.Wait()

	// Total resolutions across all passes equals the handle count: the
	// skip-locked partitions are disjoint.
	if n := resolutions.Load(); n != handles {
		t.Errorf("resolutions = %d, want %d", n, handles)
	}
	left, _ := s.CountHandles(ctx)
	if left != 0 {
		t.Errorf("handles left = %d, want 0", left)
	}

	complete, err := s.ListJobs(ctx, store.ListFilter{Status: store.StatusComplete, Limit: handles * 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(complete) != handles {
		t.Errorf("complete jobs = %d, want %d", len(complete), handles)
	}
}

func TestMarkInFlight_SecondHandleForSameJobRejected(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := inFlightJob(t, s, ctx, uuid.New())

	// The job is in_flight, so the guarded transition alone rejects this;
	// the unique index on job_id backs it up at the schema level.
	if err := s.MarkInFlight(ctx, job.ID, uuid.New()); err == nil {
		t.Fatal("second MarkInFlight succeeded, want error")
	}
	n, _ := s.CountHandles(ctx)
	if n != 1 {
		t.Errorf("handles = %d, want 1", n)
	}
}

func TestReconcileInFlight_SkipsJobThatLeftInFlight(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := inFlightJob(t, s, ctx, uuid.New())

	// Knock the job out of in_flight behind the reconciler's back, the way
	// an operator intervention would.
	if _, err := s.Pool().Exec(ctx, `
		UPDATE jobs SET status = 'failed', retry_count = retry_count + 1,
		       last_error = 'manually failed'
		WHERE id = $1`, job.ID); err != nil {
		t.Fatalf("force job out of in_flight: %v", err)
	}

	stats, err := s.ReconcileInFlight(ctx, 100, func(store.Handle) store.Resolved {
		return store.Resolved{Resolution: store.ResolutionComplete, Body: `{"late":true}`}
	})
	if err != nil {
		t.Fatalf("ReconcileInFlight: %v", err)
	}
	if stats.Skipped != 1 || stats.Completed != 0 || len(stats.Applied) != 0 {
		t.Errorf("stats = %+v, want 1 skipped, nothing applied", stats)
	}

	// The guard miss must not overwrite the job or drop its handle.
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.StatusFailed || got.ResultBody != nil {
		t.Errorf("job = %q result=%v, want failed with no result applied", got.Status, got.ResultBody)
	}
	n, _ := s.CountHandles(ctx)
	if n != 1 {
		t.Errorf("handles = %d, want 1 (kept after skip)", n)
	}
}

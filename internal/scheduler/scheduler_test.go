// ABOUTME: Integration tests for scheduler ticks: dispatch sweep, leased reconcile, recovery.
package scheduler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mansueli/dispatchq/internal/dispatch"
	"github.com/mansueli/dispatchq/internal/lease"
	"github.com/mansueli/dispatchq/internal/scheduler"
	"github.com/mansueli/dispatchq/internal/store"
	"github.com/mansueli/dispatchq/internal/testutil"
	"github.com/mansueli/dispatchq/internal/transport"
)

func newScheduler(t *testing.T, baseURL string, poolSize int) (*scheduler.Scheduler, *testutil.TestDB) {
	t.Helper()
	ctx := context.Background()
	s := testutil.NewTestDB(t)
	if err := s.ProvisionSlots(ctx, poolSize); err != nil {
		t.Fatalf("ProvisionSlots: %v", err)
	}

	tr := transport.NewHTTPTransport(transport.BuildPlainClient())
	d := dispatch.New(s.Store, tr, dispatch.Config{
		BaseURL:        baseURL,
		RequestTimeout: 3 * time.Second,
		ClaimBatchSize: 100,
	})
	sched := scheduler.New(
		s.Store,
		d,
		dispatch.NewReconciler(s.Store, tr, 100),
		dispatch.NewRetrySweeper(s.Store, d, 100),
		lease.New(s.Store),
		scheduler.Config{},
	)
	return sched, s
}

func TestTick_DrivesQueuedJobToCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sched, s := newScheduler(t, srv.URL, 2)

	// No submit hook registered: only the tick's dispatch sweep can move
	// this job, which is exactly the crash-recovery contract.
	job, err := s.Submit(ctx, "POST", json.RawMessage(`{"x":1}`), "/ingest", 0, 10)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sched.Tick(ctx)
		got, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status == store.StatusComplete {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, _ := s.GetJob(ctx, job.ID)
	t.Fatalf("job stuck in %q after repeated ticks", got.Status)
}

func TestRetrySweepCadenceIsSeparateFromTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	sched, s := newScheduler(t, srv.URL, 1)

	job, err := s.Submit(ctx, "GET", json.RawMessage(`{}`), "/flaky", 5, 10)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Ticks dispatch and reconcile the first attempt into failed, but must
	// never re-queue it — only the retry sweep does that.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sched.Tick(ctx)
		got, _ := s.GetJob(ctx, job.ID)
		if got.Status == store.StatusFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.StatusFailed || got.RetryCount != 1 {
		t.Fatalf("after ticks: %q rc=%d, want failed rc=1", got.Status, got.RetryCount)
	}

	sched.Tick(ctx)
	got, _ = s.GetJob(ctx, job.ID)
	if got.RetryCount != 1 {
		t.Fatalf("tick re-dispatched a failed job: rc=%d", got.RetryCount)
	}

	sched.RunRetrySweep(ctx)
	deadline = time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sched.Tick(ctx)
		got, _ = s.GetJob(ctx, job.ID)
		if got.RetryCount == 2 && got.Status == store.StatusFailed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("retry attempt not recorded: %q rc=%d", got.Status, got.RetryCount)
}

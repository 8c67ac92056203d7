// Package lease bounds reconciliation concurrency with the fixed worker
// slot pool. Acquisition is non-blocking: when every slot is leased the
// caller's tick is dropped, never queued.
package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mansueli/dispatchq/internal/store"
)

var leaseDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dispatchq_lease_dropped_total",
	Help: "Scheduler ticks dropped because the worker slot pool was exhausted.",
})

// Manager leases worker slots from the store. A random holder id
// distinguishes this process in the leased_by column.
type Manager struct {
	store  *store.Store
	holder uuid.UUID
	log    *slog.Logger
}

// New creates a Manager.
func New(st *store.Store) *Manager {
	return &Manager{store: st, holder: uuid.New(), log: slog.Default()}
}

// WithSlot tries to acquire one free slot and, if successful, runs fn under
// it. Returns ran=false immediately when the pool is exhausted. The slot is
// released on every exit path, including a panic inside fn; the release uses
// a fresh context so caller cancellation cannot leak the lease.
func (m *Manager) WithSlot(ctx context.Context, fn func(context.Context) error) (ran bool, err error) {
	slotID, ok, err := m.store.AcquireSlot(ctx, m.holder)
	if err != nil {
		return false, err
	}
	if !ok {
		leaseDropped.Inc()
		return false, nil
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if relErr := m.store.ReleaseSlot(releaseCtx, slotID); relErr != nil {
			m.log.Error("release worker slot", "slot_id", slotID, "error", relErr)
		}
	}()

	return true, fn(ctx)
}

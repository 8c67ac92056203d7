// Package scheduler is the periodic driver: each tick sweeps queued jobs
// into dispatch and runs one reconciliation pass under a worker slot lease;
// a slower ticker re-queues retryable failures. There is no global
// coordinator — any number of scheduler processes may poll the same store.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mansueli/dispatchq/internal/dispatch"
	"github.com/mansueli/dispatchq/internal/lease"
	"github.com/mansueli/dispatchq/internal/store"
)

// Config holds scheduler cadences. Zero values select the defaults noted on
// each field.
type Config struct {
	TickInterval       time.Duration // dispatch + reconcile cadence; default 1m
	TickStagger        time.Duration // delay before the first tick; default 0
	RetrySweepInterval time.Duration // retry sweep cadence; default 10m
	// StaleDispatchingAfter returns dispatching rows to queued after this
	// age; default 2m.
	StaleDispatchingAfter time.Duration
	// StaleInFlightAfter reaps in_flight jobs with no collectable response
	// back to failed. Zero disables the reaper.
	StaleInFlightAfter time.Duration
	// StaleLeaseAfter frees worker slots held longer than this, recovering
	// leases orphaned by a crashed holder; default 5m. Must exceed the
	// longest reconciliation pass.
	StaleLeaseAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.RetrySweepInterval <= 0 {
		c.RetrySweepInterval = 10 * time.Minute
	}
	if c.StaleDispatchingAfter <= 0 {
		c.StaleDispatchingAfter = 2 * time.Minute
	}
	if c.StaleLeaseAfter <= 0 {
		c.StaleLeaseAfter = 5 * time.Minute
	}
}

// Scheduler drives the dispatcher, reconciler, and retry sweeper on timers.
type Scheduler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	reconciler *dispatch.Reconciler
	sweeper    *dispatch.RetrySweeper
	leases     *lease.Manager
	cfg        Config
	log        *slog.Logger
}

// New creates a Scheduler.
func New(st *store.Store, d *dispatch.Dispatcher, r *dispatch.Reconciler, rs *dispatch.RetrySweeper, lm *lease.Manager, cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		store:      st,
		dispatcher: d,
		reconciler: r,
		sweeper:    rs,
		leases:     lm,
		cfg:        cfg,
		log:        slog.Default(),
	}
}

// Start runs the ticker loop until ctx is cancelled. Uses time.NewTicker
// (not time.After) to avoid timer leaks. Nothing that happens inside a tick
// is fatal: errors are logged and the next tick proceeds.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.TickStagger > 0 {
		timer := time.NewTimer(s.cfg.TickStagger)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	tick := time.NewTicker(s.cfg.TickInterval)
	retry := time.NewTicker(s.cfg.RetrySweepInterval)
	stuck := time.NewTicker(time.Minute)
	defer tick.Stop()
	defer retry.Stop()
	defer stuck.Stop()

	s.log.Info("scheduler started",
		"tick_interval", s.cfg.TickInterval,
		"retry_sweep_interval", s.cfg.RetrySweepInterval,
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-tick.C:
			s.Tick(ctx)
		case <-retry.C:
			s.RunRetrySweep(ctx)
		case <-stuck.C:
			s.runRecovery(ctx)
		}
	}
}

// Tick runs one scheduler tick: a dispatch sweep over queued jobs, then one
// reconciliation pass under a worker slot lease. The two are independent; a
// failure in one never skips the other.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.dispatcher.Sweep(ctx); err != nil {
		s.log.Error("dispatch sweep", "error", err)
	}

	ran, err := s.leases.WithSlot(ctx, func(ctx context.Context) error {
		_, err := s.reconciler.ReconcileAll(ctx)
		return err
	})
	if err != nil {
		s.log.Error("reconcile pass", "error", err)
	}
	if !ran && err == nil {
		s.log.Debug("reconcile skipped: worker slot pool exhausted")
	}
}

// RunRetrySweep runs one retry pass over failed-but-retryable jobs.
func (s *Scheduler) RunRetrySweep(ctx context.Context) {
	if err := s.sweeper.Sweep(ctx); err != nil {
		s.log.Error("retry sweep", "error", err)
	}
}

// runRecovery resets stuck dispatching rows, frees orphaned worker slot
// leases, and, when enabled, reaps stale in-flight jobs.
func (s *Scheduler) runRecovery(ctx context.Context) {
	n, err := s.store.ResetStuckDispatching(ctx, s.cfg.StaleDispatchingAfter)
	if err != nil {
		s.log.Error("reset stuck dispatching", "error", err)
	} else if n > 0 {
		s.log.Info("reset stuck dispatching jobs", "count", n)
	}

	n, err = s.store.ReleaseStaleSlots(ctx, s.cfg.StaleLeaseAfter)
	if err != nil {
		s.log.Error("release stale slots", "error", err)
	} else if n > 0 {
		s.log.Warn("released stale worker slot leases", "count", n)
	}

	if s.cfg.StaleInFlightAfter > 0 {
		n, err := s.store.ReapStaleInFlight(ctx, s.cfg.StaleInFlightAfter)
		if err != nil {
			s.log.Error("reap stale in-flight", "error", err)
		} else if n > 0 {
			s.log.Warn("reaped stale in-flight jobs", "count", n)
		}
	}
}

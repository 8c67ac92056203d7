// Command dispatchq is the job queue server binary.
//
// Subcommands:
//
//	serve    — HTTP API + embedded scheduler (default for production)
//	worker   — standalone scheduler only (scaled deployments)
//	migrate  — run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/mansueli/dispatchq/internal/api"
	"github.com/mansueli/dispatchq/internal/config"
	"github.com/mansueli/dispatchq/internal/dispatch"
	"github.com/mansueli/dispatchq/internal/lease"
	"github.com/mansueli/dispatchq/internal/scheduler"
	"github.com/mansueli/dispatchq/internal/store"
	"github.com/mansueli/dispatchq/internal/transport"
	"github.com/mansueli/dispatchq/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "dispatchq",
		Short: "dispatchq — asynchronous HTTP job queue",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and embedded scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	sched, err := buildQueue(ctx, st, cfg)
	if err != nil {
		return err
	}

	// The scheduler drains on ctx cancellation, which happens before or
	// alongside HTTP server shutdown.
	go sched.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(st, cfg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone scheduler (no HTTP API)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sched, err := buildQueue(ctx, store.New(db), cfg)
	if err != nil {
		return err
	}

	slog.Info("worker started")
	sched.Start(ctx) // blocks until ctx cancelled
	return nil
}

// buildQueue wires the queue core: transport, dispatcher, reconciler, retry
// sweeper, lease manager, and scheduler. It also provisions the worker slot
// pool and registers the submit hook for event-driven dispatch.
func buildQueue(ctx context.Context, st *store.Store, cfg *config.Config) (*scheduler.Scheduler, error) {
	client := transport.BuildPlainClient()
	if cfg.DispatchSSRFGuard {
		client = transport.BuildSafeClient()
	}
	tr := transport.NewHTTPTransport(client)

	d := dispatch.New(st, tr, dispatch.Config{
		BaseURL:        cfg.DispatchBaseURL,
		RequestTimeout: time.Duration(cfg.DispatchTimeoutMS) * time.Millisecond,
		ClaimBatchSize: cfg.ClaimBatchSize,
	})
	st.OnSubmit(d.SubmitHook())

	if err := st.ProvisionSlots(ctx, cfg.WorkerSlots); err != nil {
		return nil, fmt.Errorf("provision worker slots: %w", err)
	}

	return scheduler.New(
		st,
		d,
		dispatch.NewReconciler(st, tr, cfg.ClaimBatchSize),
		dispatch.NewRetrySweeper(st, d, cfg.ClaimBatchSize),
		lease.New(st),
		scheduler.Config{
			TickInterval:          cfg.TickInterval,
			TickStagger:           cfg.TickStagger,
			RetrySweepInterval:    cfg.RetrySweepInterval,
			StaleDispatchingAfter: cfg.StaleDispatchingAfter,
			StaleInFlightAfter:    cfg.StaleInFlightAfter,
			StaleLeaseAfter:       cfg.StaleLeaseAfter,
		},
	), nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newPool creates and validates a pgxpool. Retries up to 10 times with
// linear backoff to handle the compose startup race where Postgres is not
// immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer does not leak if ctx
		// is cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("connect: %w", connErr)
	}
	return db, nil
}

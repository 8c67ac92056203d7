// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Dispatch ─────────────────────────────────────────────────────────────────
	// DispatchBaseURL is the fixed base destination; each job's target_path is
	// appended to it.
	DispatchBaseURL   string `env:"DISPATCH_BASE_URL,required"`
	DispatchTimeoutMS int    `env:"DISPATCH_TIMEOUT_MS" envDefault:"3000"`
	// DispatchSSRFGuard wraps the outbound client with safeurl. Disable only in
	// development when the base URL points at localhost.
	DispatchSSRFGuard bool `env:"DISPATCH_SSRF_GUARD" envDefault:"true"`

	// ── Queue ────────────────────────────────────────────────────────────────────
	WorkerSlots       int           `env:"WORKER_SLOTS"        envDefault:"4"`
	ClaimBatchSize    int           `env:"CLAIM_BATCH_SIZE"    envDefault:"100"`
	DefaultRetryLimit int32         `env:"DEFAULT_RETRY_LIMIT" envDefault:"10"`
	TickInterval      time.Duration `env:"TICK_INTERVAL"       envDefault:"1m"`
	// TickStagger delays the scheduler's first tick; spreads load when several
	// scheduler processes share the same store.
	TickStagger        time.Duration `env:"TICK_STAGGER"         envDefault:"0s"`
	RetrySweepInterval time.Duration `env:"RETRY_SWEEP_INTERVAL" envDefault:"10m"`
	// StaleDispatchingAfter bounds the crash window between claiming a job and
	// firing its request; dispatching rows older than this return to queued.
	StaleDispatchingAfter time.Duration `env:"STALE_DISPATCHING_AFTER" envDefault:"2m"`
	// StaleInFlightAfter reaps in_flight jobs whose response never arrives back
	// to failed. Zero disables the reaper: a pending job then stays in_flight
	// until an operator intervenes.
	StaleInFlightAfter time.Duration `env:"STALE_INFLIGHT_AFTER" envDefault:"0s"`
	// StaleLeaseAfter frees worker slots whose holder crashed without
	// releasing. Must exceed the longest reconciliation pass.
	StaleLeaseAfter time.Duration `env:"STALE_LEASE_AFTER" envDefault:"5m"`

	// ── Rate limiting (job submission only) ──────────────────────────────────────
	SubmitRatePerMinute int           `env:"SUBMIT_RATE_PER_MINUTE" envDefault:"60"`
	SubmitBurst         int           `env:"SUBMIT_BURST"           envDefault:"20"`
	RateLimitEvictTTL   time.Duration `env:"RATE_LIMIT_EVICT_TTL"   envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

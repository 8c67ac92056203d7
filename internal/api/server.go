// ABOUTME: HTTP server struct, constructor, and handler wiring.
// ABOUTME: chi router with huma v2 job routes, healthz, and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mansueli/dispatchq/internal/config"
	"github.com/mansueli/dispatchq/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store   *store.Store
	cfg     *config.Config
	limiter *submitLimiter
}

// NewServer creates a Server. Zero rate-limit config fields fall back to the
// limiter defaults (60 submissions per minute per IP, burst 20).
func NewServer(s *store.Store, cfg *config.Config) *Server {
	rl := newSubmitLimiter(cfg.SubmitRatePerMinute, cfg.SubmitBurst, cfg.RateLimitEvictTTL)
	return &Server{store: s, cfg: cfg, limiter: rl}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB body limit; job payloads are small JSON blobs.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma ───────────────────────────────────────────
	apiRouter := chi.NewRouter()
	apiRouter.Use(srv.submitRateLimit())
	humaConfig := huma.DefaultConfig("dispatchq API", "0.1.0")
	humaConfig.Info.Description = "Asynchronous HTTP job queue: submit jobs, poll outcomes."
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)
	return r
}

// healthzHandler reports liveness plus database reachability.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				slog.Error("healthz db ping", "error", err)
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status}) //nolint:errcheck
	}
}

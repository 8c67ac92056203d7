// ABOUTME: Per-IP limiter on job submission.
// ABOUTME: Only POST is throttled; polling a job by id is the completion-observation path and stays free.
package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// submitLimiter rations job submissions per client IP. Idle entries are
// evicted inline on the first allow call after ttl elapses, so the limiter
// needs no background goroutine.
type submitLimiter struct {
	mu        sync.Mutex
	perIP     map[string]*rate.Limiter
	lastSeen  map[string]time.Time
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
}

func newSubmitLimiter(perMinute, burst int, ttl time.Duration) *submitLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &submitLimiter{
		perIP:     make(map[string]*rate.Limiter),
		lastSeen:  make(map[string]time.Time),
		limit:     rate.Limit(float64(perMinute) / 60),
		burst:     burst,
		ttl:       ttl,
		lastSweep: time.Now(),
	}
}

func (sl *submitLimiter) allow(ip string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := time.Now()
	if now.Sub(sl.lastSweep) >= sl.ttl {
		cutoff := now.Add(-sl.ttl)
		for k, last := range sl.lastSeen {
			if last.Before(cutoff) {
				delete(sl.perIP, k)
				delete(sl.lastSeen, k)
			}
		}
		sl.lastSweep = now
	}

	l, ok := sl.perIP[ip]
	if !ok {
		l = rate.NewLimiter(sl.limit, sl.burst)
		sl.perIP[ip] = l
	}
	sl.lastSeen[ip] = now
	return l.Allow()
}

// submitRateLimit throttles POST requests only. Submitted jobs are observed
// by polling GET /jobs/{id}, so read traffic must never hit the limiter.
// The IP comes from r.RemoteAddr — chi's RealIP middleware must run first so
// X-Forwarded-For is honoured behind a reverse proxy.
func (srv *Server) submitRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			if !srv.limiter.allow(ip) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

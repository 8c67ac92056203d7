// ABOUTME: Constructs the production SSRF-safe HTTP client for outbound dispatch.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package transport

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client for production dispatch.
// Redirect following is disabled; the client-level timeout is a backstop
// above the per-request deadline set by Send.
func BuildSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// BuildPlainClient returns an unguarded client. For development and tests,
// where the destination is localhost and safeurl would block it.
func BuildPlainClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ABOUTME: HTTP implementation of the fire/collect transport.
// ABOUTME: Send fires a goroutine per request; outcomes are parked until collected.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultTimeout bounds each individual request when the caller does not
	// set one.
	defaultTimeout = 3 * time.Second

	// maxBodyBytes caps how much of a response body is retained as a result.
	maxBodyBytes = 1 << 20
)

// HTTPTransport sends requests over an injected *http.Client. Each Send
// mints a fresh UUID handle, so concurrent processes sharing the handle
// table cannot record colliding ids. Outcomes live in memory until Forget —
// the durable half of the correlation is the handle table in the store.
type HTTPTransport struct {
	client *http.Client

	mu      sync.Mutex
	results map[uuid.UUID]Outcome
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates an HTTPTransport backed by client. client should
// be the production safeurl-wrapped client outside of tests.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	return &HTTPTransport{
		client:  client,
		results: make(map[uuid.UUID]Outcome),
	}
}

// Send registers a handle and fires the request in a goroutine. The error
// return covers only malformed requests; transport-level failures surface
// later through Collect as StateFailure.
func (t *HTTPTransport) Send(_ context.Context, req Request) (uuid.UUID, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// Build the request up front so an unusable URL fails the Send call
	// itself rather than producing a doomed handle.
	httpReq, err := http.NewRequest(req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return uuid.Nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	handleID := uuid.New()
	t.mu.Lock()
	t.results[handleID] = Outcome{State: StatePending}
	t.mu.Unlock()

	// The request runs on its own deadline, detached from the caller's
	// context: a finished scheduler tick must not cancel an issued request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		t.park(handleID, t.do(httpReq.WithContext(ctx)))
	}()

	return handleID, nil
}

func (t *HTTPTransport) do(req *http.Request) Outcome {
	resp, err := t.client.Do(req)
	if err != nil {
		return Outcome{State: StateFailure, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{State: StateFailure, Err: fmt.Errorf("read response body: %w", err)}
	}
	return Outcome{State: StateSuccess, StatusCode: resp.StatusCode, Body: body}
}

func (t *HTTPTransport) park(handleID uuid.UUID, out Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Forget may have raced the response in; do not resurrect the entry.
	if _, live := t.results[handleID]; live {
		t.results[handleID] = out
	}
}

// Collect reports the parked outcome for handleID. Handles unknown to this
// transport collect as pending: the reconciler leaves them alone and the
// stale in-flight reaper eventually recovers the job.
func (t *HTTPTransport) Collect(handleID uuid.UUID) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, ok := t.results[handleID]
	if !ok {
		return Outcome{State: StatePending}
	}
	return out
}

// Forget drops the parked result for handleID.
func (t *HTTPTransport) Forget(handleID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.results, handleID)
}

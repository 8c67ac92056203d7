// Package transport implements the two-phase fire/collect contract the
// dispatcher depends on: Send issues a request and returns a correlation
// handle without waiting for the response; Collect later reports the parked
// outcome, or pending if the request has not finished.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State classifies a collected outcome.
type State int

const (
	// StatePending: the response has not arrived yet, or the handle is
	// unknown to this transport (e.g. issued before a restart). Callers
	// leave the handle in place and try again next pass.
	StatePending State = iota
	// StateSuccess: the request completed at the transport level.
	// StatusCode carries the remote status; 2xx is the caller's success range.
	StateSuccess
	// StateFailure: the request could not be completed (connect error,
	// timeout). Err carries the cause.
	StateFailure
)

// Request describes one outbound request.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	// Timeout bounds the whole request. Zero selects the transport default.
	Timeout time.Duration
}

// Outcome is the collected result for a handle.
type Outcome struct {
	State      State
	StatusCode int
	Body       []byte
	Err        error
}

// Transport is the abstract dispatch capability. Send must never block
// beyond issuing the request; the response is collected asynchronously.
// Handle ids are UUIDs so ids from different transport instances (separate
// processes, or the same process across a restart) never collide.
type Transport interface {
	Send(ctx context.Context, req Request) (handleID uuid.UUID, err error)
	Collect(handleID uuid.UUID) Outcome
	// Forget drops a collected result. Called after the outcome has been
	// durably applied to the job.
	Forget(handleID uuid.UUID)
}

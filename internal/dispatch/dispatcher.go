// ABOUTME: Dispatcher: converts one claimed job into exactly one outbound request.
// ABOUTME: On send success the job goes in_flight with a recorded handle; on send failure it takes the retry path.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/mansueli/dispatchq/internal/store"
	"github.com/mansueli/dispatchq/internal/transport"
)

// Dispatcher fires claimed jobs over the transport and records their
// correlation handles.
type Dispatcher struct {
	store   *store.Store
	tr      transport.Transport
	baseURL string
	timeout time.Duration
	batch   int
	log     *slog.Logger
}

// Config holds Dispatcher tuning parameters (sourced from config.Config).
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	ClaimBatchSize int
}

// New creates a Dispatcher.
func New(st *store.Store, tr transport.Transport, cfg Config) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 100
	}
	return &Dispatcher{
		store:   st,
		tr:      tr,
		baseURL: cfg.BaseURL,
		timeout: cfg.RequestTimeout,
		batch:   cfg.ClaimBatchSize,
		log:     slog.Default(),
	}
}

// Dispatch fires one outbound request for job, which must already be claimed
// (status dispatching). On send success the job is marked in_flight with its
// handle recorded atomically. A failed send routes the job into the normal
// retry path via MarkFailed, consuming one attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, job store.Job) error {
	req, err := d.buildRequest(job)
	if err != nil {
		// A job whose request cannot even be constructed fails every
		// attempt identically; it still walks the retry path to exhaustion
		// rather than wedging in dispatching.
		return d.failDispatch(ctx, job, fmt.Errorf("build request: %w", err))
	}

	handleID, err := d.tr.Send(ctx, req)
	if err != nil {
		return d.failDispatch(ctx, job, fmt.Errorf("send: %w", err))
	}

	if err := d.store.MarkInFlight(ctx, job.ID, handleID); err != nil {
		// The request is on the wire but the handle was not recorded: the
		// lost-handle case. The stale in-flight reaper cannot see it (the
		// job is not in_flight), but the stuck-dispatching reset will
		// requeue the row.
		d.tr.Forget(handleID)
		return fmt.Errorf("job %d: record in-flight: %w", job.ID, err)
	}

	jobsDispatched.Inc()
	d.log.Debug("job dispatched", "job_id", job.ID, "handle_id", handleID, "method", job.Method)
	return nil
}

func (d *Dispatcher) failDispatch(ctx context.Context, job store.Job, cause error) error {
	jobsDispatchFailed.Inc()
	d.log.Warn("dispatch failed", "job_id", job.ID, "error", cause)
	if err := d.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		return fmt.Errorf("job %d: mark failed after dispatch error: %w", job.ID, err)
	}
	return fmt.Errorf("job %d: %w", job.ID, cause)
}

// Sweep claims queued jobs and dispatches each one. Per-job failures are
// logged and never abort the remaining jobs in the batch.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	jobs, err := d.store.ClaimQueued(ctx, d.batch)
	if err != nil {
		return fmt.Errorf("dispatch sweep: %w", err)
	}
	for _, job := range jobs {
		if err := d.Dispatch(ctx, job); err != nil {
			d.log.Warn("dispatch sweep: job failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// SubmitHook returns the store hook giving event-driven dispatch on
// submission: claim the freshly inserted job and fire it immediately.
func (d *Dispatcher) SubmitHook() store.SubmitHook {
	return func(ctx context.Context, job store.Job) {
		if err := d.store.MarkDispatching(ctx, job.ID); err != nil {
			// Another claimer (a concurrent sweep) got there first.
			d.log.Debug("submit hook: job already claimed", "job_id", job.ID, "error", err)
			return
		}
		if err := d.Dispatch(ctx, job); err != nil {
			d.log.Warn("submit hook: dispatch failed", "job_id", job.ID, "error", err)
		}
	}
}

// buildRequest maps a job onto the transport request: base URL plus target
// path, payload as JSON body for POST, payload flattened into query
// parameters for GET and DELETE.
func (d *Dispatcher) buildRequest(job store.Job) (transport.Request, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return transport.Request{}, fmt.Errorf("parse base url: %w", err)
	}
	u = u.JoinPath(job.TargetPath)

	req := transport.Request{
		Method:  job.Method,
		Timeout: d.timeout,
		Headers: map[string]string{},
	}

	switch job.Method {
	case "POST":
		req.Body = job.Payload
		req.Headers["Content-Type"] = "application/json"
	default:
		q, err := payloadToQuery(job.Payload)
		if err != nil {
			return transport.Request{}, err
		}
		if len(q) > 0 {
			u.RawQuery = q.Encode()
		}
	}

	req.URL = u.String()
	return req, nil
}

// payloadToQuery flattens a JSON object into query parameters. Scalar values
// map to their natural string form; nested values are re-encoded as JSON so
// no structure is lost.
func payloadToQuery(payload json.RawMessage) (url.Values, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	q := url.Values{}
	for k, v := range m {
		switch val := v.(type) {
		case string:
			q.Set(k, val)
		case nil:
			q.Set(k, "")
		case float64, bool:
			q.Set(k, fmt.Sprint(val))
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encode query value %q: %w", k, err)
			}
			q.Set(k, string(b))
		}
	}
	return q, nil
}

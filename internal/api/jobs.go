// ABOUTME: Job submission and observation endpoints (huma v2).
// ABOUTME: POST /jobs returns 202 with the job id; callers poll GET /jobs/{id} for outcomes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mansueli/dispatchq/internal/store"
)

// registerJobRoutes wires up the job endpoints on the huma API.
//
//	POST /jobs        — submit a job (202 Accepted)
//	GET  /jobs/{id}   — job status, retry bookkeeping, and result body
//	GET  /jobs        — filtered listing
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit a job",
		Description:   "Enqueues one outbound request. Dispatch fires immediately; delivery and retries happen asynchronously.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, submitJobHandler(srv))

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job",
		Description: "Returns the job's status, retry count, and result body once complete.",
		Tags:        []string{"Jobs"},
	}, getJobHandler(srv))

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Description: "Lists jobs newest-first with optional status and method filters.",
		Tags:        []string{"Jobs"},
	}, listJobsHandler(srv))
}

// ── Request/response types ────────────────────────────────────────────────────

// JobItem is the API representation of a job row.
type JobItem struct {
	JobID      int64           `json:"job_id"`
	Method     string          `json:"method"`
	Payload    json.RawMessage `json:"payload"`
	TargetPath string          `json:"target_path"`
	Status     string          `json:"status"`
	RetryCount int32           `json:"retry_count"`
	RetryLimit int32           `json:"retry_limit"`
	ResultBody *string         `json:"result_body,omitempty"`
	LastError  *string         `json:"last_error,omitempty"`
	CreatedAt  string          `json:"created_at"` // RFC3339
}

func toJobItem(j store.Job) JobItem {
	return JobItem{
		JobID:      j.ID,
		Method:     j.Method,
		Payload:    j.Payload,
		TargetPath: j.TargetPath,
		Status:     j.Status,
		RetryCount: j.RetryCount,
		RetryLimit: j.RetryLimit,
		ResultBody: j.ResultBody,
		LastError:  j.LastError,
		CreatedAt:  j.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// SubmitJobInput is the submission request body.
type SubmitJobInput struct {
	Body struct {
		Method     string          `json:"method" enum:"GET,POST,DELETE" doc:"Request kind"`
		Payload    json.RawMessage `json:"payload,omitempty" doc:"Opaque JSON payload; body for POST, query parameters for GET/DELETE"`
		TargetPath string          `json:"target_path" minLength:"1" doc:"Path appended to the configured base destination"`
		RetryLimit int32           `json:"retry_limit,omitempty" minimum:"1" maximum:"100" doc:"Attempt ceiling; server default when omitted"`
	}
}

// SubmitJobOutput carries the assigned job id.
type SubmitJobOutput struct {
	Body struct {
		JobID int64 `json:"job_id"`
	}
}

func submitJobHandler(srv *Server) func(context.Context, *SubmitJobInput) (*SubmitJobOutput, error) {
	return func(ctx context.Context, input *SubmitJobInput) (*SubmitJobOutput, error) {
		job, err := srv.store.Submit(ctx,
			input.Body.Method,
			input.Body.Payload,
			input.Body.TargetPath,
			input.Body.RetryLimit,
			srv.cfg.DefaultRetryLimit,
		)
		if errors.Is(err, store.ErrInvalidMethod) {
			return nil, huma.Error422UnprocessableEntity("method must be one of GET, POST, DELETE")
		}
		if err != nil {
			return nil, fmt.Errorf("submit job: %w", err)
		}

		out := &SubmitJobOutput{}
		out.Body.JobID = job.ID
		return out, nil
	}
}

// GetJobInput identifies one job.
type GetJobInput struct {
	ID int64 `path:"id" minimum:"1"`
}

// GetJobOutput is the single-job response.
type GetJobOutput struct {
	Body JobItem
}

func getJobHandler(srv *Server) func(context.Context, *GetJobInput) (*GetJobOutput, error) {
	return func(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
		job, err := srv.store.GetJob(ctx, input.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("job %d not found", input.ID))
		}
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		return &GetJobOutput{Body: toJobItem(job)}, nil
	}
}

// ListJobsInput holds the optional listing filters.
type ListJobsInput struct {
	Status string `query:"status" enum:"queued,dispatching,in_flight,complete,failed" required:"false"`
	Method string `query:"method" enum:"GET,POST,DELETE" required:"false"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	Offset int    `query:"offset" default:"0" minimum:"0"`
}

// ListJobsOutput is the listing response.
type ListJobsOutput struct {
	Body struct {
		Jobs []JobItem `json:"jobs"`
	}
}

func listJobsHandler(srv *Server) func(context.Context, *ListJobsInput) (*ListJobsOutput, error) {
	return func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		jobs, err := srv.store.ListJobs(ctx, store.ListFilter{
			Status: input.Status,
			Method: input.Method,
			Limit:  input.Limit,
			Offset: input.Offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}

		out := &ListJobsOutput{}
		out.Body.Jobs = make([]JobItem, 0, len(jobs))
		for _, j := range jobs {
			out.Body.Jobs = append(out.Body.Jobs, toJobItem(j))
		}
		return out, nil
	}
}

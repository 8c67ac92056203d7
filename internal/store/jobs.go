// ABOUTME: Job rows: submission, guarded status transitions, and SKIP LOCKED claim batches.
// ABOUTME: Claims transition rows to 'dispatching' in the same statement that selects them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job statuses. A job advances queued → dispatching → in_flight and then
// terminates in complete or failed; failed jobs with retries left re-enter
// dispatching via the retry sweep.
const (
	StatusQueued      = "queued"
	StatusDispatching = "dispatching"
	StatusInFlight    = "in_flight"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
)

// allowedMethods is the validated request-kind set.
var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"DELETE": true,
}

// Job is one unit of work. Payload is opaque to the core: it is stored and
// forwarded byte-for-byte, never interpreted.
type Job struct {
	ID         int64
	Method     string
	Payload    json.RawMessage
	TargetPath string
	Status     string
	RetryCount int32
	RetryLimit int32
	ResultBody *string
	LastError  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const jobColumns = `id, method, payload, target_path, status, retry_count, retry_limit, result_body, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Method, &j.Payload, &j.TargetPath, &j.Status,
		&j.RetryCount, &j.RetryLimit, &j.ResultBody, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// Submit validates and inserts a new job in status queued, then fires the
// registered submit hook exactly once. retryLimit <= 0 selects defaultLimit.
// Returns ErrInvalidMethod for a method outside the allowed set.
func (s *Store) Submit(ctx context.Context, method string, payload json.RawMessage, targetPath string, retryLimit, defaultLimit int32) (Job, error) {
	if !allowedMethods[method] {
		return Job{}, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	if retryLimit <= 0 {
		retryLimit = defaultLimit
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (method, payload, target_path, retry_limit)
		VALUES ($1, $2, $3, $4)
		RETURNING `+jobColumns,
		method, payload, targetPath, retryLimit)
	job, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("submit job: %w", err)
	}

	if s.onSubmit != nil {
		s.onSubmit(ctx, job)
	}
	return job, nil
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// markStatus is the guarded single-row transition helper. The WHERE clause
// carries the allowed source states; zero rows affected means the job was
// not in any of them (or does not exist).
func (s *Store) markStatus(ctx context.Context, id int64, to string, from ...string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, from)
	if err != nil {
		return fmt.Errorf("mark job %d %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job %d %s: %w", id, to, ErrInvalidState)
	}
	return nil
}

// MarkDispatching claims a single queued job for dispatch (the submit hook
// path; batch claims go through ClaimQueued).
func (s *Store) MarkDispatching(ctx context.Context, id int64) error {
	return s.markStatus(ctx, id, StatusDispatching, StatusQueued)
}

// MarkInFlight transitions a dispatching job to in_flight and records its
// correlation handle in the same transaction, so a handle row exists exactly
// when its job is in_flight.
func (s *Store) MarkInFlight(ctx context.Context, id int64, handleID uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, updated_at = now()
			WHERE id = $1 AND status = $3`,
			id, StatusInFlight, StatusDispatching)
		if err != nil {
			return fmt.Errorf("mark job %d in_flight: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("mark job %d in_flight: %w", id, ErrInvalidState)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO inflight_handles (handle_id, job_id) VALUES ($1, $2)`,
			handleID, id); err != nil {
			return fmt.Errorf("record handle %s for job %d: %w", handleID, id, err)
		}
		return nil
	})
}

// MarkComplete transitions an in_flight job to complete with its result body.
// Terminal.
func (s *Store) MarkComplete(ctx context.Context, id int64, resultBody string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result_body = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, StatusComplete, resultBody, StatusInFlight)
	if err != nil {
		return fmt.Errorf("mark job %d complete: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job %d complete: %w", id, ErrInvalidState)
	}
	return nil
}

// MarkFailed records a failure: increments retry_count, stores the error
// message, and moves the job to failed. Accepted from in_flight (collected
// error response) and from dispatching (the dispatch call itself failed), so
// a job whose request could not even be issued still takes the retry path
// instead of wedging.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, retry_count = retry_count + 1, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = ANY($4)`,
		id, StatusFailed, lastError, []string{StatusInFlight, StatusDispatching})
	if err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job %d failed: %w", id, ErrInvalidState)
	}
	return nil
}

// claimJobs selects up to limit rows matching cond with FOR UPDATE SKIP
// LOCKED and moves them to dispatching in the same statement. Concurrent
// callers never claim the same row twice.
func (s *Store) claimJobs(ctx context.Context, cond string, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = 'dispatching', updated_at = now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE `+cond+`
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING `+jobColumns,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("claim jobs: scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimQueued claims up to limit queued jobs for dispatch. Used by the
// scheduler's dispatch sweep, which recovers anything the submit hook missed.
func (s *Store) ClaimQueued(ctx context.Context, limit int) ([]Job, error) {
	return s.claimJobs(ctx, `status = 'queued'`, limit)
}

// ClaimRetryable claims up to limit failed jobs that still have retries
// left. Jobs at retry_count == retry_limit are never returned: they are
// permanently terminal.
func (s *Store) ClaimRetryable(ctx context.Context, limit int) ([]Job, error) {
	return s.claimJobs(ctx, `status = 'failed' AND retry_count < retry_limit`, limit)
}

// ResetStuckDispatching returns dispatching rows older than threshold to
// queued. Covers the crash window between claiming a job and firing its
// request; the next dispatch sweep picks the rows up again.
func (s *Store) ResetStuckDispatching(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued', updated_at = now()
		WHERE status = 'dispatching' AND updated_at < now() - make_interval(secs => $1)`,
		threshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reset stuck dispatching: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReapStaleInFlight fails in_flight jobs older than threshold and deletes
// their handles, consuming one retry. This is the recovery policy for
// handles whose response will never arrive (lost handle, process restart).
func (s *Store) ReapStaleInFlight(ctx context.Context, threshold time.Duration) (int, error) {
	var reaped int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM jobs
			WHERE status = 'in_flight' AND updated_at < now() - make_interval(secs => $1)
			FOR UPDATE SKIP LOCKED`,
			threshold.Seconds())
		if err != nil {
			return fmt.Errorf("select stale in_flight: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale in_flight: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'failed', retry_count = retry_count + 1,
			    last_error = 'stale in-flight reaped', updated_at = now()
			WHERE id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("reap stale in_flight: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM inflight_handles WHERE job_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("delete stale handles: %w", err)
		}
		reaped = len(ids)
		return nil
	})
	return reaped, err
}

// ListFilter holds the optional filters for ListJobs.
type ListFilter struct {
	Status string
	Method string
	Limit  int
	Offset int
}

// ListJobs returns jobs ordered by id DESC with optional status and method
// filters. The dynamic WHERE clause is built with squirrel.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]Job, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select(jobColumns).
		From("jobs").
		OrderBy("id DESC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset))

	if f.Status != "" {
		sb = sb.Where(sq.Eq{"status": f.Status})
	}
	if f.Method != "" {
		sb = sb.Where(sq.Eq{"method": f.Method})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Package store is the data access layer for the job queue. All queries run
// through pgx native connections; the claim paths rely on FOR UPDATE SKIP
// LOCKED so concurrent workers partition the work set instead of blocking or
// double-claiming.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors returned by store operations.
var (
	// ErrInvalidMethod rejects a submission whose method is not in the
	// allowed set. Surfaced synchronously; the job never enters the table.
	ErrInvalidMethod = errors.New("store: invalid method")
	// ErrInvalidState is returned by a guarded transition whose job is not in
	// the expected source state.
	ErrInvalidState = errors.New("store: job not in expected state")
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("store: job not found")
)

// SubmitHook is invoked synchronously, exactly once, after a job row is
// inserted by Submit. It is the event-driven hand-off to the dispatcher; the
// scheduler's periodic sweep covers anything the hook missed (crash between
// insert and dispatch).
type SubmitHook func(ctx context.Context, job Job)

// Store is the central data access object.
type Store struct {
	pool     *pgxpool.Pool
	onSubmit SubmitHook
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (health checks, test assertions).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// OnSubmit registers the submit hook. Must be called during wiring, before
// any Submit call.
func (s *Store) OnSubmit(hook SubmitHook) { s.onSubmit = hook }

// withTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

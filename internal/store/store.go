// Package store is the thin persistence layer over the pipeline's five
// tables (documents, jobs, document_chunks, document_vector_buffer, and
// events) plus the workers registration table. Job creation, claims,
// advances, state transitions, finalization, chunk upserts, vector-buffer
// writes and commits, and the admin requeue/cancel verbs emit the
// corresponding event through an events.Writer. Lease heartbeats,
// SetParsedArtifact, SweepOrphanedBuffers, worker registration upserts and
// Bootstrap emit no event.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"docpipeline/internal/events"
)

// ErrConflict is returned when a conditional update (advance,
// transition_state, heartbeat) matched zero rows: the job was reclaimed,
// already advanced by another worker, or does not exist in the expected
// state. Callers treat this as the non-error db_conflict/lease_lost case —
// no retry is counted.
var ErrConflict = errors.New("store: conditional update matched no rows")

// ErrAdmissionLimitExceeded is returned by CreateDocumentAndJob when the
// owner already has MaxInFlightPerOwner live jobs.
var ErrAdmissionLimitExceeded = errors.New("store: owner in-flight job limit exceeded")

// ErrNotFound is returned by owner-scoped reads when no row matches the id
// under that owner.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx connection pool with the pipeline's operations.
type Store struct {
	pool   *pgxpool.Pool
	events events.Writer
}

// New constructs a Store. events may be nil in tests that don't care about
// the event log; Log already treats a nil Writer as a dropped write.
func New(pool *pgxpool.Pool, eventsWriter events.Writer) *Store {
	return &Store{pool: pool, events: eventsWriter}
}

// OpenPool creates a Postgres connection pool, applying caller-supplied
// min/max connection bounds so the pool doesn't grow unbounded under load
// or start starved under a cold pool.
func OpenPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		pgxCfg.MaxConns = maxConns
	}
	if minConns > 0 {
		pgxCfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Pool exposes the underlying pool for callers that need to run their own
// transactions against the same connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertWorkerHeartbeat records or refreshes a worker's registration row
// for operational visibility. Called once at startup and then every
// heartbeat interval by the worker runtime's registration goroutine.
func (s *Store) UpsertWorkerHeartbeat(ctx context.Context, workerID, hostname, version string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers(worker_id, hostname, version, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (worker_id) DO UPDATE SET last_heartbeat = $4
	`, workerID, hostname, version, now)
	if err != nil {
		return fmt.Errorf("upsert worker heartbeat: %w", err)
	}
	return nil
}

// GetWorker looks up the registration record for a worker id. The bool
// result is false when no row exists for that id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (Worker, bool, error) {
	var w Worker
	err := s.pool.QueryRow(ctx, `
		SELECT worker_id, hostname, version, started_at, last_heartbeat
		FROM workers WHERE worker_id = $1
	`, workerID).Scan(&w.WorkerID, &w.Hostname, &w.Version, &w.StartedAt, &w.LastHeartbeat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Worker{}, false, nil
		}
		return Worker{}, false, fmt.Errorf("get worker: %w", err)
	}
	return w, true, nil
}

// Package queue implements the lease-based claim/heartbeat/reclaim protocol
// as the orchestration layer a worker drives: it wraps internal/store's
// atomic SQL with the in-memory lease bookkeeping and reclaim-safety checks
// a worker needs. The actual SELECT ... FOR UPDATE SKIP LOCKED claim query
// and the conditional heartbeat update live in store, since they must be
// atomic at the database boundary; this package is the protocol's
// client-side half.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/store"
)

// Queue is the worker-facing handle on the claim/heartbeat/reclaim
// protocol.
type Queue struct {
	Store    *store.Store
	WorkerID string
	LeaseTTL time.Duration
}

// New constructs a Queue bound to one worker identity.
func New(s *store.Store, workerID string, leaseTTL time.Duration) *Queue {
	return &Queue{Store: s, WorkerID: workerID, LeaseTTL: leaseTTL}
}

// Lease represents one job this worker currently holds a claim on.
type Lease struct {
	Job       store.Job
	ClaimedAt time.Time
}

// Expired reports whether this lease would be considered abandoned by
// another worker at instant now, i.e. claimedAt + leaseTTL < now.
func (l Lease) Expired(now time.Time, leaseTTL time.Duration) bool {
	return l.ClaimedAt.Add(leaseTTL).Before(now)
}

// Claim pulls up to n due jobs (queued/retryable due now, or working jobs
// whose lease has expired) and returns them as fresh Leases held by this
// worker.
func (q *Queue) Claim(ctx context.Context, n int, now time.Time) ([]Lease, error) {
	jobs, err := q.Store.ClaimDueJobs(ctx, q.WorkerID, n, now, q.LeaseTTL)
	if err != nil {
		return nil, err
	}
	leases := make([]Lease, len(jobs))
	for i, j := range jobs {
		leases[i] = Lease{Job: j, ClaimedAt: now}
	}
	return leases, nil
}

// Heartbeat renews the lease on jobID. A returned error is always
// store.ErrConflict (lease lost) or a transport error; callers must treat
// ErrConflict as "abandon this job in memory, issue no further writes".
func (q *Queue) Heartbeat(ctx context.Context, jobID uuid.UUID, now time.Time) error {
	return q.Store.Heartbeat(ctx, jobID, q.WorkerID, now)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"docpipeline/internal/events"
)

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var stage, state string
	var payloadRaw []byte
	var lastErrorRaw []byte
	if err := row.Scan(
		&j.JobID, &j.DocumentID, &stage, &state, &j.RetryCount, &j.NextRetryAt,
		&j.ClaimedBy, &j.ClaimedAt, &lastErrorRaw, &payloadRaw, &j.CorrelationID,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt,
	); err != nil {
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.Stage = Stage(stage)
	j.State = State(state)
	if len(payloadRaw) > 0 {
		_ = json.Unmarshal(payloadRaw, &j.Payload)
	}
	if len(lastErrorRaw) > 0 {
		var le LastError
		if err := json.Unmarshal(lastErrorRaw, &le); err == nil {
			j.LastError = &le
		}
	}
	return j, nil
}

const jobColumns = `job_id, document_id, stage, state, retry_count, next_retry_at, claimed_by,
	claimed_at, last_error, payload, correlation_id, created_at, started_at, finished_at, updated_at`

// GetJob reads one job row by id.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJobForOwner reads one job row by id, scoped to the tenant that owns
// the job's document. Returns ErrNotFound both for a missing job and for a
// job belonging to a different owner, so a caller can't distinguish the
// two cases and probe other tenants' job ids.
func (s *Store) GetJobForOwner(ctx context.Context, jobID uuid.UUID, ownerID string) (Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT j.job_id, j.document_id, j.stage, j.state, j.retry_count, j.next_retry_at,
		       j.claimed_by, j.claimed_at, j.last_error, j.payload, j.correlation_id,
		       j.created_at, j.started_at, j.finished_at, j.updated_at
		FROM jobs j
		JOIN documents d ON d.document_id = j.document_id
		WHERE j.job_id = $1 AND d.owner_id = $2
	`, jobID, ownerID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job for owner: %w", err)
	}
	return j, nil
}

// ClaimDueJobs claims up to n rows in state queued/retryable with
// next_retry_at <= now, or abandoned working rows whose lease has expired,
// row-locked with skip-locked semantics, atomically flipped to working and
// owned by workerID.
func (s *Store) ClaimDueJobs(ctx context.Context, workerID string, n int, now time.Time, leaseTTL time.Duration) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT job_id FROM jobs
			WHERE (state IN ('queued', 'retryable') AND (next_retry_at IS NULL OR next_retry_at <= $2))
			   OR (state = 'working' AND claimed_at IS NOT NULL AND claimed_at + make_interval(secs => $3) < $2)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE jobs SET
			state = 'working',
			claimed_by = $4,
			claimed_at = $2,
			started_at = COALESCE(started_at, $2),
			updated_at = $2
		WHERE job_id IN (SELECT job_id FROM due)
		RETURNING `+jobColumns,
		n, now, leaseTTL.Seconds(), workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	for _, j := range out {
		events.Log(ctx, s.events, events.SeverityInfo, events.TypeStageStarted, events.CodeStageOK,
			&j.JobID, &j.DocumentID, j.CorrelationID, map[string]any{"stage": string(j.Stage), "worker_id": workerID})
	}
	return out, nil
}

// Heartbeat renews the lease on jobID for workerID. Returns ErrConflict
// (the db_conflict/lease_lost case) if the row is no longer held by
// workerID in state working — the worker must abandon the job in memory
// without writing further state for it.
func (s *Store) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET claimed_at = $3, updated_at = $3
		WHERE job_id = $1 AND claimed_by = $2 AND state = 'working'
	`, jobID, workerID, now)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Advance is the atomic CAS on stage used at the end of every stage
// executor: on match, it sets stage = nextStage, state = queued, and
// clears the lease. Returns ErrConflict if
// the job isn't currently at (expectedStage, working) under workerID —
// another worker already advanced it or reclaimed the lease.
func (s *Store) Advance(ctx context.Context, jobID uuid.UUID, workerID string, expectedStage, nextStage Stage, patchPayload map[string]any, now time.Time) error {
	var payloadArg any
	if patchPayload != nil {
		b, err := json.Marshal(patchPayload)
		if err != nil {
			return fmt.Errorf("marshal patch payload: %w", err)
		}
		payloadArg = json.RawMessage(b)
	}

	var tag pgconn.CommandTag
	var err error
	if payloadArg != nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET
				stage = $5, state = 'queued', claimed_by = NULL, claimed_at = NULL,
				payload = payload || $6::jsonb, updated_at = $4
			WHERE job_id = $1 AND claimed_by = $2 AND state = 'working' AND stage = $3
		`, jobID, workerID, string(expectedStage), now, string(nextStage), payloadArg)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET
				stage = $5, state = 'queued', claimed_by = NULL, claimed_at = NULL, updated_at = $4
			WHERE job_id = $1 AND claimed_by = $2 AND state = 'working' AND stage = $3
		`, jobID, workerID, string(expectedStage), now, string(nextStage))
	}
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	j, gerr := s.GetJob(ctx, jobID)
	corrID := ""
	if gerr == nil {
		corrID = j.CorrelationID
	}
	events.Log(ctx, s.events, events.SeverityInfo, events.TypeStageDone, events.CodeStageOK,
		&jobID, &j.DocumentID, corrID, map[string]any{"from": string(expectedStage), "to": string(nextStage)})
	return nil
}

// TransitionStateOpts carries the fields a state transition may set.
type TransitionStateOpts struct {
	RetryCount  *int
	NextRetryAt *time.Time
	LastError   *LastError
	Finished    bool
}

// TransitionState is the atomic CAS on state used by the retry/failure
// policy to move a job to retryable or deadletter. Returns ErrConflict if
// the job isn't in expectedState under workerID.
func (s *Store) TransitionState(ctx context.Context, jobID uuid.UUID, workerID string, expectedState, nextState State, opts TransitionStateOpts, now time.Time) error {
	var lastErrorArg any
	if opts.LastError != nil {
		b, err := json.Marshal(opts.LastError)
		if err != nil {
			return fmt.Errorf("marshal last_error: %w", err)
		}
		lastErrorArg = json.RawMessage(b)
	}
	var finishedAtArg any
	if opts.Finished {
		finishedAtArg = now
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state = $5,
			claimed_by = NULL,
			claimed_at = NULL,
			retry_count = COALESCE($6, retry_count),
			next_retry_at = $7,
			last_error = COALESCE($8, last_error),
			finished_at = COALESCE($9, finished_at),
			updated_at = $4
		WHERE job_id = $1 AND claimed_by = $2 AND state = $3
	`, jobID, workerID, string(expectedState), now, string(nextState), opts.RetryCount, opts.NextRetryAt, lastErrorArg, finishedAtArg)
	if err != nil {
		return fmt.Errorf("transition state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	j, gerr := s.GetJob(ctx, jobID)
	corrID := ""
	var docID uuid.UUID
	if gerr == nil {
		corrID = j.CorrelationID
		docID = j.DocumentID
	}
	evType := events.TypeRetry
	code := events.CodeStageOK
	if opts.LastError != nil {
		code = events.Code(opts.LastError.Code)
		if nextState == StateDeadletter {
			evType = events.TypeError
		}
	}
	events.Log(ctx, s.events, events.SeverityWarn, evType, code, &jobID, &docID, corrID, map[string]any{"to_state": string(nextState)})
	if nextState == StateDeadletter || nextState == StateDone {
		events.Log(ctx, s.events, events.SeverityInfo, events.TypeFinalized, events.CodeStageOK, &jobID, &docID, corrID, nil)
	}
	return nil
}

// FinalizeJob is the terminal-success counterpart to Advance: it moves a
// job at (working, expectedStage) straight to (done, embedded) in one
// atomic CAS, since the final hop sets state=done rather than state=queued
// the way every other stage advance does. counts is logged on the
// finalized event so the record carries the chunk/embedding totals.
func (s *Store) FinalizeJob(ctx context.Context, jobID uuid.UUID, workerID string, expectedStage Stage, counts map[string]any, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			stage = $5, state = 'done', claimed_by = NULL, claimed_at = NULL,
			finished_at = $4, updated_at = $4
		WHERE job_id = $1 AND claimed_by = $2 AND state = 'working' AND stage = $3
	`, jobID, workerID, string(expectedStage), now, string(StageEmbedded))
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	j, gerr := s.GetJob(ctx, jobID)
	corrID := ""
	var docID uuid.UUID
	if gerr == nil {
		corrID = j.CorrelationID
		docID = j.DocumentID
	}
	events.Log(ctx, s.events, events.SeverityInfo, events.TypeStageDone, events.CodeStageOK,
		&jobID, &docID, corrID, map[string]any{"from": string(expectedStage), "to": string(StageEmbedded)})
	events.Log(ctx, s.events, events.SeverityInfo, events.TypeFinalized, events.CodeStageOK, &jobID, &docID, corrID, counts)
	return nil
}

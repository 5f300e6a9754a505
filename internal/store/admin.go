package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/events"
)

// RequeueDeadletter moves a dead-lettered job back to retryable with
// retry_count reset to 0 and next_retry_at=now, so the next poll cycle
// claims it immediately.
// Unlike Advance/TransitionState this isn't CAS'd on claimed_by, since a
// dead-lettered job is never held by a worker; it is CAS'd on state =
// deadletter alone.
func (s *Store) RequeueDeadletter(ctx context.Context, jobID uuid.UUID, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state = 'retryable', retry_count = 0, next_retry_at = $2,
			last_error = NULL, finished_at = NULL, updated_at = $2
		WHERE job_id = $1 AND state = 'deadletter'
	`, jobID, now)
	if err != nil {
		return fmt.Errorf("requeue deadletter: %w", err)
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
	events.Log(ctx, s.events, events.SeverityInfo, events.TypeRetry, events.CodeStageOK,
		&jobID, &docID, corrID, map[string]any{"admin": "requeue"})
	return nil
}

// CancelLiveJobs force-cancels a document: every job for documentID not
// already in a terminal state is forced to deadletter, and a
// finalized event is emitted for each. Live jobs are reclaimed from whatever
// worker currently holds them by dropping the claimed_by condition — an
// operator-initiated cancel overrides an in-flight lease.
func (s *Store) CancelLiveJobs(ctx context.Context, documentID uuid.UUID) error {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET
			state = 'deadletter', claimed_by = NULL, claimed_at = NULL,
			finished_at = $2, updated_at = $2,
			last_error = '{"code":"cancelled","message":"cancelled by operator"}'::jsonb
		WHERE document_id = $1 AND state NOT IN ('done', 'deadletter')
		RETURNING job_id, correlation_id
	`, documentID, now)
	if err != nil {
		return fmt.Errorf("cancel live jobs: %w", err)
	}
	type cancelled struct {
		jobID uuid.UUID
		corr  string
	}
	var out []cancelled
	for rows.Next() {
		var c cancelled
		if err := rows.Scan(&c.jobID, &c.corr); err != nil {
			rows.Close()
			return fmt.Errorf("scan cancelled job: %w", err)
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("cancel live jobs: %w", err)
	}

	for _, c := range out {
		events.Log(ctx, s.events, events.SeverityWarn, events.TypeError, events.CodeStageOK,
			&c.jobID, &documentID, c.corr, map[string]any{"admin": "cancel"})
		events.Log(ctx, s.events, events.SeverityInfo, events.TypeFinalized, events.CodeStageOK,
			&c.jobID, &documentID, c.corr, nil)
	}
	return nil
}

// ListEventsForDocument returns the most recent events for documentID,
// newest first, bounded by limit, used by internal/admin.Inspect to show
// an operator what happened to a document.
func (s *Store) ListEventsForDocument(ctx context.Context, documentID uuid.UUID, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, job_id, document_id, ts, severity, type, code, correlation_id, payload
		FROM events WHERE document_id = $1 ORDER BY ts DESC LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for document: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var sev, typ, code string
		var payloadRaw []byte
		if err := rows.Scan(&ev.EventID, &ev.JobID, &ev.DocumentID, &ev.Ts, &sev, &typ, &code, &ev.CorrelationID, &payloadRaw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Severity = events.Severity(sev)
		ev.Type = events.Type(typ)
		ev.Code = events.Code(code)
		if len(payloadRaw) > 0 {
			_ = json.Unmarshal(payloadRaw, &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Package events implements the append-only structured event log. Event
// rows are never mutated after insert. Logging failures are swallowed — a
// broken event log must never cause a stage executor to fail — but every
// swallowed failure increments DroppedCount so the condition stays
// observable operationally.
package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"docpipeline/internal/observability"
)

// Severity is a closed set of event severities.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Type is the closed set of event types.
type Type string

const (
	TypeStageStarted Type = "stage_started"
	TypeStageDone    Type = "stage_done"
	TypeRetry        Type = "retry"
	TypeError        Type = "error"
	TypeFinalized    Type = "finalized"
)

// Code is the closed error/event-reason taxonomy plus the non-error codes
// needed to describe a normal stage transition.
type Code string

const (
	CodeStageOK             Code = "stage_ok"
	CodeInputInvalid        Code = "input_invalid"
	CodeParserFailed        Code = "parser_failed"
	CodeParserTimeout       Code = "parser_timeout"
	CodeParserRateLimited   Code = "parser_rate_limited"
	CodeEmbedRateLimited    Code = "embed_rate_limited"
	CodeEmbedDimMismatch    Code = "embed_dim_mismatch"
	CodeEmbedLengthMismatch Code = "embed_length_mismatch"
	CodeHashMismatch        Code = "hash_mismatch"
	CodeStorageUnavailable  Code = "storage_unavailable"
	CodeDBConflict          Code = "db_conflict"
	CodeLeaseLost           Code = "lease_lost"
	CodeRetriesExhausted    Code = "retries_exhausted"
)

// validCodes is the closed set of codes; Log rejects anything outside it
// rather than silently accepting typos.
var validCodes = map[Code]struct{}{
	CodeStageOK: {}, CodeInputInvalid: {}, CodeParserFailed: {}, CodeParserTimeout: {},
	CodeParserRateLimited: {}, CodeEmbedRateLimited: {}, CodeEmbedDimMismatch: {},
	CodeEmbedLengthMismatch: {}, CodeHashMismatch: {}, CodeStorageUnavailable: {},
	CodeDBConflict: {}, CodeLeaseLost: {}, CodeRetriesExhausted: {},
}

// DroppedCount counts event-log writes that failed and were swallowed.
var DroppedCount atomic.Int64

// Event mirrors the `events` table row shape.
type Event struct {
	EventID       uuid.UUID
	JobID         *uuid.UUID
	DocumentID    *uuid.UUID
	Ts            time.Time
	Severity      Severity
	Type          Type
	Code          Code
	CorrelationID string
	Payload       map[string]any
}

// Writer appends one event row. Implementations must never block the caller
// indefinitely. The Postgres-backed PGWriter is bounded only by the
// caller's context; the connection pool sets no statement timeout.
type Writer interface {
	Write(ctx context.Context, ev Event) error
}

// PGWriter persists events into the append-only `events` table.
type PGWriter struct {
	Pool *pgxpool.Pool
}

// NewPGWriter constructs a Postgres-backed event Writer.
func NewPGWriter(pool *pgxpool.Pool) *PGWriter {
	return &PGWriter{Pool: pool}
}

func (w *PGWriter) Write(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(`{}`)
	}
	// Provider error detail can carry auth headers or keys; scrub before
	// the row becomes a permanent record.
	payload = observability.RedactJSON(payload)
	_, err = w.Pool.Exec(ctx, `
INSERT INTO events(event_id, job_id, document_id, ts, severity, type, code, correlation_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, ev.EventID, ev.JobID, ev.DocumentID, ev.Ts, string(ev.Severity), string(ev.Type), string(ev.Code), ev.CorrelationID, json.RawMessage(payload))
	return err
}

// Log appends one event through w. If code is not in the closed taxonomy,
// the event is rejected before reaching the writer. Callers can only
// construct a Code from the exported constants above, so an unknown code
// can only arise from a raw string conversion — this is the runtime
// backstop for that case.
//
// Log never returns an error to the caller: a broken event log must not mask
// or abort real pipeline work. Failures are logged operationally and counted
// in DroppedCount.
func Log(ctx context.Context, w Writer, severity Severity, typ Type, code Code, jobID, documentID *uuid.UUID, correlationID string, payload map[string]any) {
	logger := observability.LoggerWithTrace(ctx)
	if _, ok := validCodes[code]; !ok {
		DroppedCount.Add(1)
		logger.Error().Str("code", string(code)).Msg("events: rejected unknown event code")
		return
	}
	if w == nil {
		DroppedCount.Add(1)
		return
	}
	ev := Event{
		EventID:       uuid.New(),
		JobID:         jobID,
		DocumentID:    documentID,
		Ts:            time.Now().UTC(),
		Severity:      severity,
		Type:          typ,
		Code:          code,
		CorrelationID: correlationID,
		Payload:       payload,
	}
	if err := w.Write(ctx, ev); err != nil {
		DroppedCount.Add(1)
		logger.Error().Err(err).
			Str("type", string(typ)).
			Str("code", string(code)).
			Str("correlation_id", correlationID).
			Msg("events: write failed, dropping")
	}
}

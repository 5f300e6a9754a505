package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"docpipeline/internal/events"
	"docpipeline/internal/identity"
)

// CreateDocumentAndJob is the store-layer backing of document ingestion. It
// is idempotent on (owner_id, file_sha256): a duplicate upload returns the
// same document and its original queued job rather than creating a second
// one. A brand-new document is admitted only if the owner's count of live
// (non-terminal) jobs is below maxInFlightPerOwner — the admission check
// lives at this boundary rather than inside stage executors, so every
// entry point into the pipeline enforces it the same way.
// maxInFlightPerOwner<=0 disables the check.
func (s *Store) CreateDocumentAndJob(
	ctx context.Context,
	ownerID, filename, mimeType string,
	byteSize int64,
	fileSHA256, rawPath, correlationID string,
	maxInFlightPerOwner int,
) (Document, Job, error) {
	documentID := identity.DocumentID(ownerID, fileSHA256)

	var doc Document
	var job Job
	var freshlyCreated bool

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO documents(document_id, owner_id, filename, mime_type, byte_size, file_sha256, raw_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (document_id) DO NOTHING
		`, documentID, ownerID, filename, mimeType, byteSize, fileSHA256, rawPath)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		inserted := tag.RowsAffected() == 1

		if inserted && maxInFlightPerOwner > 0 {
			var liveCount int
			if err := tx.QueryRow(ctx, `
				SELECT count(*) FROM jobs j
				JOIN documents d ON d.document_id = j.document_id
				WHERE d.owner_id = $1 AND j.state NOT IN ('done', 'deadletter')
			`, ownerID).Scan(&liveCount); err != nil {
				return fmt.Errorf("count live jobs: %w", err)
			}
			if liveCount >= maxInFlightPerOwner {
				return ErrAdmissionLimitExceeded
			}
		}

		if err := tx.QueryRow(ctx, `
			SELECT document_id, owner_id, filename, mime_type, byte_size, file_sha256,
			       raw_path, parsed_path, parsed_sha256, created_at, updated_at
			FROM documents WHERE document_id = $1
		`, documentID).Scan(
			&doc.DocumentID, &doc.OwnerID, &doc.Filename, &doc.MimeType, &doc.ByteSize,
			&doc.FileSHA256, &doc.RawPath, &doc.ParsedPath, &doc.ParsedSHA256,
			&doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return fmt.Errorf("read document: %w", err)
		}

		if inserted {
			j, err := createJobTx(ctx, tx, documentID, StageQueued, nil, correlationID)
			if err != nil {
				return err
			}
			job = j
			freshlyCreated = true
			return nil
		}

		// Duplicate upload: return the existing original job for this
		// document rather than creating a second one.
		existing, err := firstJobForDocumentTx(ctx, tx, documentID)
		if err != nil {
			return err
		}
		job = existing
		return nil
	})
	if err != nil {
		return Document{}, Job{}, err
	}

	if freshlyCreated {
		events.Log(ctx, s.events, events.SeverityInfo, events.TypeStageStarted, events.CodeStageOK,
			&job.JobID, &documentID, correlationID, map[string]any{"stage": string(StageQueued)})
	}
	return doc, job, nil
}

func createJobTx(ctx context.Context, tx pgx.Tx, documentID uuid.UUID, stage Stage, payload map[string]any, correlationID string) (Job, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	jobID := uuid.New()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs(job_id, document_id, stage, state, retry_count, payload, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, jobID, documentID, string(stage), string(StateQueued), json.RawMessage(payloadJSON), correlationID, now)
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return Job{
		JobID:         jobID,
		DocumentID:    documentID,
		Stage:         stage,
		State:         StateQueued,
		Payload:       payload,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func firstJobForDocumentTx(ctx context.Context, tx pgx.Tx, documentID uuid.UUID) (Job, error) {
	row := tx.QueryRow(ctx, `
		SELECT job_id, document_id, stage, state, retry_count, next_retry_at, claimed_by,
		       claimed_at, last_error, payload, correlation_id, created_at, started_at,
		       finished_at, updated_at
		FROM jobs WHERE document_id = $1 ORDER BY created_at ASC LIMIT 1
	`, documentID)
	return scanJob(row)
}

// GetDocument reads a document by id.
func (s *Store) GetDocument(ctx context.Context, documentID uuid.UUID) (Document, error) {
	var doc Document
	err := s.pool.QueryRow(ctx, `
		SELECT document_id, owner_id, filename, mime_type, byte_size, file_sha256,
		       raw_path, parsed_path, parsed_sha256, created_at, updated_at
		FROM documents WHERE document_id = $1
	`, documentID).Scan(
		&doc.DocumentID, &doc.OwnerID, &doc.Filename, &doc.MimeType, &doc.ByteSize,
		&doc.FileSHA256, &doc.RawPath, &doc.ParsedPath, &doc.ParsedSHA256,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// SetParsedArtifact records the normalized markdown's location and hash
// once the parse stage completes. It never overwrites an existing,
// different parsed_sha256 for the same document; callers must check
// idempotency before calling this for a document that already has one.
func (s *Store) SetParsedArtifact(ctx context.Context, documentID uuid.UUID, parsedPath, parsedSHA256 string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET parsed_path = $2, parsed_sha256 = $3, updated_at = now()
		WHERE document_id = $1 AND (parsed_sha256 IS NULL OR parsed_sha256 = $3)
	`, documentID, parsedPath, parsedSHA256)
	if err != nil {
		return fmt.Errorf("set parsed artifact: %w", err)
	}
	return nil
}

// ListJobsForDocument returns every job row for a document, most recent
// first, for internal/admin.Inspect.
func (s *Store) ListJobsForDocument(ctx context.Context, documentID uuid.UUID) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, document_id, stage, state, retry_count, next_retry_at, claimed_by,
		       claimed_at, last_error, payload, correlation_id, created_at, started_at,
		       finished_at, updated_at
		FROM jobs WHERE document_id = $1 ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for document: %w", err)
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
	return out, rows.Err()
}

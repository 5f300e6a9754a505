package store

import (
	"context"
	"fmt"
)

// Bootstrap creates the extensions, tables, and indexes this package needs
// if they do not already exist. Production deployments are expected to
// manage real migrations externally; this exists so a fresh dev/test
// database can be stood up with one call.
func (s *Store) Bootstrap(ctx context.Context, embedDimensions int) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create extension vector: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		return fmt.Errorf("create extension pgcrypto: %w", err)
	}

	vecType := "vector"
	if embedDimensions > 0 {
		vecType = fmt.Sprintf("vector(%d)", embedDimensions)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			document_id   UUID PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			filename      TEXT NOT NULL,
			mime_type     TEXT NOT NULL,
			byte_size     BIGINT NOT NULL,
			file_sha256   TEXT NOT NULL,
			raw_path      TEXT NOT NULL,
			parsed_path   TEXT,
			parsed_sha256 TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS documents_owner_filehash_idx
			ON documents(owner_id, file_sha256)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id         UUID PRIMARY KEY,
			document_id    UUID NOT NULL REFERENCES documents(document_id),
			stage          TEXT NOT NULL,
			state          TEXT NOT NULL,
			retry_count    INT NOT NULL DEFAULT 0,
			next_retry_at  TIMESTAMPTZ,
			claimed_by     TEXT,
			claimed_at     TIMESTAMPTZ,
			last_error     JSONB,
			payload        JSONB NOT NULL DEFAULT '{}'::jsonb,
			correlation_id TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at     TIMESTAMPTZ,
			finished_at    TIMESTAMPTZ,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		// At most one (document_id, stage) row may be queued/working at once.
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_doc_stage_active_idx
			ON jobs(document_id, stage)
			WHERE state IN ('queued', 'working')`,
		`CREATE INDEX IF NOT EXISTS jobs_claim_idx
			ON jobs(state, next_retry_at, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			chunk_id            UUID PRIMARY KEY,
			document_id         UUID NOT NULL REFERENCES documents(document_id),
			ordinal             INT NOT NULL,
			content             TEXT NOT NULL,
			content_sha256      TEXT NOT NULL,
			embedding           %s,
			embed_model         TEXT,
			embed_model_version TEXT,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vecType),
		`CREATE UNIQUE INDEX IF NOT EXISTS document_chunks_doc_ordinal_idx
			ON document_chunks(document_id, ordinal)`,
		`CREATE INDEX IF NOT EXISTS document_chunks_model_idx
			ON document_chunks(embed_model, embed_model_version)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_vector_buffer (
			chunk_id            UUID PRIMARY KEY,
			document_id         UUID NOT NULL,
			embedding           %s NOT NULL,
			embed_model         TEXT NOT NULL,
			embed_model_version TEXT NOT NULL,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vecType),
		`CREATE INDEX IF NOT EXISTS document_vector_buffer_doc_idx
			ON document_vector_buffer(document_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			event_id       UUID PRIMARY KEY,
			job_id         UUID,
			document_id    UUID,
			ts             TIMESTAMPTZ NOT NULL,
			severity       TEXT NOT NULL,
			type           TEXT NOT NULL,
			code           TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			payload        JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS events_job_idx ON events(job_id)`,
		`CREATE INDEX IF NOT EXISTS events_document_idx ON events(document_id)`,
		`CREATE INDEX IF NOT EXISTS events_correlation_idx ON events(correlation_id)`,

		`CREATE TABLE IF NOT EXISTS workers (
			worker_id      TEXT PRIMARY KEY,
			hostname       TEXT NOT NULL,
			version        TEXT NOT NULL,
			started_at     TIMESTAMPTZ NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}

	// HNSW needs a typed vector(n) column; with no declared dimension the
	// similarity index is left to operator tuning. The filter keeps the
	// index scoped to committed vectors carrying a model/version stamp.
	if embedDimensions > 0 {
		if _, err := s.pool.Exec(ctx, `
			CREATE INDEX IF NOT EXISTS document_chunks_embedding_idx
			ON document_chunks USING hnsw (embedding vector_cosine_ops)
			WHERE embed_model IS NOT NULL AND embed_model_version IS NOT NULL
		`); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

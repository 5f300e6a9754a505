package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"docpipeline/internal/events"
)

// toVectorLiteral renders a float32 vector as the pgvector text literal
// ("[1,2,3]").
func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}

// BufferEmbeddings writes one batch of computed vectors to the write-ahead
// staging table. Rows are keyed by chunk_id so a retried batch overwrites
// its own prior attempt rather than duplicating.
func (s *Store) BufferEmbeddings(ctx context.Context, documentID uuid.UUID, correlationID string, vectors []BufferedVector) error {
	for _, v := range vectors {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO document_vector_buffer(chunk_id, document_id, embedding, embed_model, embed_model_version)
			VALUES ($1, $2, $3::vector, $4, $5)
			ON CONFLICT (chunk_id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				embed_model = EXCLUDED.embed_model,
				embed_model_version = EXCLUDED.embed_model_version,
				created_at = now()
		`, v.ChunkID, documentID, toVectorLiteral(v.Embedding), v.EmbedModel, v.EmbedModelVersion)
		if err != nil {
			return fmt.Errorf("buffer embedding for chunk %s: %w", v.ChunkID, err)
		}
	}
	events.Log(ctx, s.events, events.SeverityInfo, events.TypeStageDone, events.CodeStageOK,
		nil, &documentID, correlationID, map[string]any{"buffered": len(vectors)})
	return nil
}

// BufferedChunkIDs returns the set of chunk ids that already have a vector
// staged for documentID, so the embed stage can tell which pending chunks
// a prior, partially-completed attempt already covered and skip
// re-embedding them after a worker crash and reclaim.
func (s *Store) BufferedChunkIDs(ctx context.Context, documentID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT chunk_id FROM document_vector_buffer WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list buffered chunk ids: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan buffered chunk id: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// CommitEmbeddingsFromBuffer atomically copies every buffered vector for
// documentID onto its chunk row and deletes the buffer rows, all inside a
// transaction holding an advisory lock keyed on document_id. This is the
// only moment a chunk row becomes externally observable as having an
// embedding: either the whole copy+delete commits, or none of it does.
func (s *Store) CommitEmbeddingsFromBuffer(ctx context.Context, documentID uuid.UUID, correlationID string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, documentID.String()); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE document_chunks c SET
				embedding = b.embedding,
				embed_model = b.embed_model,
				embed_model_version = b.embed_model_version
			FROM document_vector_buffer b
			WHERE b.document_id = $1 AND c.chunk_id = b.chunk_id
		`, documentID)
		if err != nil {
			return fmt.Errorf("copy buffer onto chunks: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM document_vector_buffer WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("delete buffer rows: %w", err)
		}

		var remaining int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM document_chunks WHERE document_id = $1 AND embedding IS NULL
		`, documentID).Scan(&remaining); err != nil {
			return fmt.Errorf("count unembedded chunks: %w", err)
		}
		if remaining > 0 {
			return fmt.Errorf("commit embeddings: %d chunks still lack an embedding after commit", remaining)
		}

		_ = tag
		return nil
	})
	if err != nil {
		return err
	}
	events.Log(ctx, s.events, events.SeverityInfo, events.TypeStageDone, events.CodeStageOK,
		nil, &documentID, correlationID, nil)
	return nil
}

// SweepOrphanedBuffers deletes document_vector_buffer rows whose document
// has no live job in stage embedding/embeddings_buffered and whose
// created_at predates olderThan. It is not run by the worker poll loop; it
// is an admin-triggered or externally cron'd operation.
func (s *Store) SweepOrphanedBuffers(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM document_vector_buffer b
		WHERE b.created_at < $1
		AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.document_id = b.document_id
			AND j.stage IN ('embedding', 'embeddings_buffered')
			AND j.state IN ('queued', 'working', 'retryable')
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep orphaned buffers: %w", err)
	}
	return tag.RowsAffected(), nil
}

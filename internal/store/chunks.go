package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"docpipeline/internal/events"
	"docpipeline/internal/identity"
)

// ChunkerName and ChunkerVersion identify the chunker implementation and
// feed directly into chunk_id derivation, so the chunk stage executor must
// use these same constants.
const ChunkerName = "markdown-simple"
const ChunkerVersion = "v1"

// parseVectorLiteral parses pgvector's text output format ("[1,2,3]") back
// into a float32 slice. We cast the column to text in SQL rather than
// depend on a pgvector Go type codec, since no driver for the `vector` OID
// is wired into this pool.
func parseVectorLiteral(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// ListChunks returns every chunk for a document ordered by ordinal.
func (s *Store) ListChunks(ctx context.Context, documentID uuid.UUID) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, document_id, ordinal, content, content_sha256, embedding::text,
		       embed_model, embed_model_version, created_at
		FROM document_chunks WHERE document_id = $1 ORDER BY ordinal ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var vecText *string
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Ordinal, &c.Content, &c.ContentSHA256,
			&vecText, &c.EmbedModel, &c.EmbedModelVersion, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if vecText != nil {
			vec, err := parseVectorLiteral(*vecText)
			if err != nil {
				return nil, fmt.Errorf("chunk %s: %w", c.ChunkID, err)
			}
			c.Embedding = vec
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertChunks inserts only the chunks that don't already exist by
// deterministic chunk_id; it never overwrites existing content.
// Re-running the chunk stage on identical normalized markdown is therefore
// a no-op the second time.
func (s *Store) UpsertChunks(ctx context.Context, documentID uuid.UUID, correlationID string, inputs []ChunkInput) error {
	docIDStr := documentID.String()
	for _, in := range inputs {
		chunkID := identity.ChunkID(docIDStr, ChunkerName, ChunkerVersion, in.Ordinal, in.ContentSHA256)
		_, err := s.pool.Exec(ctx, `
			INSERT INTO document_chunks(chunk_id, document_id, ordinal, content, content_sha256)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chunk_id) DO NOTHING
		`, chunkID, documentID, in.Ordinal, in.Content, in.ContentSHA256)
		if err != nil {
			return fmt.Errorf("upsert chunk %d: %w", in.Ordinal, err)
		}
	}
	events.Log(ctx, s.events, events.SeverityInfo, events.TypeStageDone, events.CodeStageOK,
		nil, &documentID, correlationID, map[string]any{"chunk_count": len(inputs)})
	return nil
}

// ChunksContiguous reports whether the persisted chunk set for documentID
// is non-empty and has contiguous ordinals 0..N-1, the invariant the
// `chunked` stage must validate.
func (s *Store) ChunksContiguous(ctx context.Context, documentID uuid.UUID) (bool, int, error) {
	chunks, err := s.ListChunks(ctx, documentID)
	if err != nil {
		return false, 0, err
	}
	if len(chunks) == 0 {
		return false, 0, nil
	}
	for i, c := range chunks {
		if c.Ordinal != i {
			return false, len(chunks), nil
		}
	}
	return true, len(chunks), nil
}

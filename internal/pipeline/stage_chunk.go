package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"docpipeline/internal/events"
	"docpipeline/internal/identity"
	"docpipeline/internal/rag/chunker"
	"docpipeline/internal/store"
)

// runBeginChunking moves a parse-validated document into chunking. It is a
// marker advance: the expensive chunk split and the database write happen
// one hop later, while the job sits at stage chunking, so the write and
// the flip into chunks_buffered land in separate transactions.
func runBeginChunking(_ context.Context, _ *Deps, _ store.Job) Outcome {
	return Advanced(store.StageChunking, nil)
}

// runWriteChunks loads the normalized markdown, applies the configured
// chunker, and upserts the result (chunking -> chunks_buffered).
// Idempotent: if a contiguous, non-empty chunk set already exists for this
// document, the split is skipped entirely.
func runWriteChunks(ctx context.Context, d *Deps, job store.Job) Outcome {
	contiguous, n, err := d.Store.ChunksContiguous(ctx, job.DocumentID)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("check existing chunks: %w", err))
	}
	if contiguous && n > 0 {
		return Advanced(store.StageChunksBuffered, nil)
	}

	doc, err := d.Store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("read document: %w", err))
	}
	if doc.ParsedPath == nil {
		return Failed(events.CodeStorageUnavailable, errors.New("chunking reached with no parsed artifact recorded"))
	}

	rc, _, err := d.ParsedStore.Get(ctx, *doc.ParsedPath)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("get parsed artifact: %w", err))
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("read parsed artifact: %w", err))
	}

	normalized := identity.NormalizeMarkdown(string(data))
	inputs := chunker.Chunk(normalized, d.Chunker)
	if len(inputs) == 0 {
		return Failed(events.CodeInputInvalid, errors.New("chunker produced zero chunks from parsed artifact"))
	}

	if err := d.Store.UpsertChunks(ctx, job.DocumentID, job.CorrelationID, inputs); err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("upsert chunks: %w", err))
	}

	return Advanced(store.StageChunksBuffered, nil)
}

// runValidateChunks verifies the persisted chunk set before advancing
// (chunks_buffered -> chunked): it must be contiguous and non-empty.
func runValidateChunks(ctx context.Context, d *Deps, job store.Job) Outcome {
	ok, n, err := d.Store.ChunksContiguous(ctx, job.DocumentID)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("check chunk contiguity: %w", err))
	}
	if !ok {
		return Failed(events.CodeInputInvalid, fmt.Errorf("chunk set not contiguous or empty (%d rows)", n))
	}
	return Advanced(store.StageChunked, map[string]any{"chunk_count": n})
}

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"docpipeline/internal/embedding"
	"docpipeline/internal/events"
	"docpipeline/internal/store"
)

// runBeginEmbedding moves a chunked document into the embedding stage. A
// marker advance: the actual embedding computation happens one hop later,
// while the job sits at stage embedding.
func runBeginEmbedding(_ context.Context, _ *Deps, _ store.Job) Outcome {
	return Advanced(store.StageEmbedding, nil)
}

// runComputeEmbeddings is the batch embedding step (embedding ->
// embeddings_buffered): load chunks lacking embeddings, group
// the ones not yet staged into batches of at most the embedder's batch
// size, and for each batch call the provider, verify its output, and
// buffer that batch's vectors before moving on to the next one. Buffering
// happens after every individual batch rather than once at the end, so a
// worker crash partway through leaves the batches that already succeeded
// durably staged — a reclaim only has to redo the batches that never got
// buffered, not the whole document. It does not commit — that is
// a separate hop (runCommitEmbeddings) so the buffer writes and the atomic
// copy-into-chunks land in separate transactions, same rationale as the
// chunk buffer split.
func runComputeEmbeddings(ctx context.Context, d *Deps, job store.Job) Outcome {
	chunks, err := d.Store.ListChunks(ctx, job.DocumentID)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("list chunks: %w", err))
	}

	var pending []store.Chunk
	for _, c := range chunks {
		if c.Embedding == nil {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		// Every chunk already has a vector; a prior run committed but
		// crashed before advancing the job's stage.
		return Advanced(store.StageEmbeddingsBuffered, nil)
	}

	buffered, err := d.Store.BufferedChunkIDs(ctx, job.DocumentID)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("list buffered chunk ids: %w", err))
	}

	var remaining []store.Chunk
	for _, c := range pending {
		if _, ok := buffered[c.ChunkID]; !ok {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		// A prior attempt already staged a vector for every pending chunk;
		// skip straight to committing (S4: reclaim mid-embedding).
		return Advanced(store.StageEmbeddingsBuffered, nil)
	}

	dim := d.EmbedDimension
	if dim <= 0 {
		dim = d.Embedder.Dimension()
	}
	batchSize := d.Embedder.BatchSize()
	if batchSize <= 0 {
		batchSize = len(remaining)
	}

	for start := 0; start < len(remaining); start += batchSize {
		end := start + batchSize
		if end > len(remaining) {
			end = len(remaining)
		}
		batch := remaining[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		vecs, err := d.Embedder.EmbedBatch(ctx, texts)
		if errors.Is(err, embedding.ErrRateLimited) {
			return Failed(events.CodeEmbedRateLimited, err)
		}
		if err != nil {
			// Reuse storage_unavailable as the closed taxonomy's transient
			// bucket for a non-rate-limit embedding provider transport error.
			return Failed(events.CodeStorageUnavailable, fmt.Errorf("embed batch: %w", err))
		}
		if len(vecs) != len(texts) {
			return Failed(events.CodeEmbedLengthMismatch, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vecs), len(texts)))
		}
		for i, v := range vecs {
			if len(v) != dim {
				return Failed(events.CodeEmbedDimMismatch, fmt.Errorf("chunk %s: vector length %d != declared dimension %d", batch[i].ChunkID, len(v), dim))
			}
		}

		buf := make([]store.BufferedVector, len(batch))
		for i, c := range batch {
			buf[i] = store.BufferedVector{
				ChunkID:           c.ChunkID,
				Embedding:         vecs[i],
				EmbedModel:        d.Embedder.Name(),
				EmbedModelVersion: d.EmbedModelVersion,
			}
		}
		if err := d.Store.BufferEmbeddings(ctx, job.DocumentID, job.CorrelationID, buf); err != nil {
			return Failed(events.CodeStorageUnavailable, fmt.Errorf("buffer embeddings: %w", err))
		}
	}

	return Advanced(store.StageEmbeddingsBuffered, nil)
}

// runCommitEmbeddings performs the final hop (embeddings_buffered ->
// embedded/done): only after every chunk has a buffered vector does it
// invoke commit_embeddings_from_buffer(document_id), then finish the job.
func runCommitEmbeddings(ctx context.Context, d *Deps, job store.Job) Outcome {
	chunks, err := d.Store.ListChunks(ctx, job.DocumentID)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("list chunks: %w", err))
	}

	var missing []store.Chunk
	for _, c := range chunks {
		if c.Embedding == nil {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		buffered, err := d.Store.BufferedChunkIDs(ctx, job.DocumentID)
		if err != nil {
			return Failed(events.CodeStorageUnavailable, fmt.Errorf("list buffered chunk ids: %w", err))
		}
		for _, c := range missing {
			if _, ok := buffered[c.ChunkID]; !ok {
				// Not every chunk has a buffered vector yet; this hop was
				// reached before the embed stage finished all batches
				// (shouldn't happen under the normal dispatch, but a reclaim
				// racing the advance could produce it). Reported as a
				// transient storage_unavailable failure and retried at this
				// same stage; the compute step is not re-run, so a gap that
				// persists dead-letters once retries are exhausted.
				return Failed(events.CodeStorageUnavailable, fmt.Errorf("chunk %s missing a buffered embedding", c.ChunkID))
			}
		}
		if err := d.Store.CommitEmbeddingsFromBuffer(ctx, job.DocumentID, job.CorrelationID); err != nil {
			return Failed(events.CodeStorageUnavailable, fmt.Errorf("commit embeddings from buffer: %w", err))
		}
	}

	return Finalized(map[string]any{"chunk_count": len(chunks)})
}

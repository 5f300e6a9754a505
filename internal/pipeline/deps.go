package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/objectstore"
	"docpipeline/internal/parserclient"
	"docpipeline/internal/rag/chunker"
	"docpipeline/internal/rag/embedder"
	"docpipeline/internal/retry"
	"docpipeline/internal/store"
)

// Clock abstracts timekeeping so executor tests can fix now().
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// JobStore is the narrow slice of *store.Store the stage functions and
// Execute actually call. *store.Store satisfies this structurally; tests
// in this package supply an in-memory fake instead of a live Postgres.
type JobStore interface {
	GetDocument(ctx context.Context, documentID uuid.UUID) (store.Document, error)
	SetParsedArtifact(ctx context.Context, documentID uuid.UUID, parsedPath, parsedSHA256 string) error
	UpsertChunks(ctx context.Context, documentID uuid.UUID, correlationID string, inputs []store.ChunkInput) error
	ChunksContiguous(ctx context.Context, documentID uuid.UUID) (bool, int, error)
	ListChunks(ctx context.Context, documentID uuid.UUID) ([]store.Chunk, error)
	BufferEmbeddings(ctx context.Context, documentID uuid.UUID, correlationID string, vectors []store.BufferedVector) error
	BufferedChunkIDs(ctx context.Context, documentID uuid.UUID) (map[uuid.UUID]struct{}, error)
	CommitEmbeddingsFromBuffer(ctx context.Context, documentID uuid.UUID, correlationID string) error
	Advance(ctx context.Context, jobID uuid.UUID, workerID string, expectedStage, nextStage store.Stage, patchPayload map[string]any, now time.Time) error
	TransitionState(ctx context.Context, jobID uuid.UUID, workerID string, expectedState, nextState store.State, opts store.TransitionStateOpts, now time.Time) error
	FinalizeJob(ctx context.Context, jobID uuid.UUID, workerID string, expectedStage store.Stage, counts map[string]any, now time.Time) error
}

// Deps bundles everything a stage function needs. One Deps is shared by
// every worker goroutine; every field must be safe for concurrent use.
type Deps struct {
	Store       JobStore
	RawStore    objectstore.ObjectStore
	ParsedStore objectstore.ObjectStore
	Parser      parserclient.Client
	Embedder    embedder.Embedder
	Chunker     chunker.Config
	Policy      retry.Policy
	Clock       Clock

	// PollInterval is how long a pending parse poll waits before the job
	// becomes due again.
	PollInterval time.Duration
	// EmbedDimension is the declared embedding dimensionality every vector
	// must match exactly.
	EmbedDimension int
	// EmbedModelVersion is stamped on every buffered vector alongside the
	// embedder's Name(). A provider-reported model name has no notion of a
	// separate version string, so this is a deploy-time value the operator
	// bumps when swapping providers/configs.
	EmbedModelVersion string
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock.Now()
	}
	return time.Now().UTC()
}

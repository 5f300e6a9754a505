package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"docpipeline/internal/events"
	"docpipeline/internal/identity"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/parserclient"
	"docpipeline/internal/rag/chunker"
	"docpipeline/internal/rag/embedder"
	"docpipeline/internal/retry"
	"docpipeline/internal/store"
)

// fakeStore is an in-memory stand-in for JobStore, enough to exercise every
// stage function without a live Postgres.
type fakeStore struct {
	mu      sync.Mutex
	docs    map[uuid.UUID]store.Document
	chunks  map[uuid.UUID][]store.Chunk
	buffer  map[uuid.UUID][]store.BufferedVector
	advance []advanceCall
	final   []finalizeCall
	transit []transitionCall
}

type advanceCall struct {
	jobID                  uuid.UUID
	expectedStage, toStage store.Stage
	patch                  map[string]any
}
type finalizeCall struct {
	jobID         uuid.UUID
	expectedStage store.Stage
	counts        map[string]any
}
type transitionCall struct {
	jobID                  uuid.UUID
	expectedState, toState store.State
	opts                   store.TransitionStateOpts
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:   map[uuid.UUID]store.Document{},
		chunks: map[uuid.UUID][]store.Chunk{},
		buffer: map[uuid.UUID][]store.BufferedVector{},
	}
}

func (f *fakeStore) GetDocument(_ context.Context, documentID uuid.UUID) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[documentID]
	if !ok {
		return store.Document{}, errors.New("not found")
	}
	return d, nil
}

func (f *fakeStore) SetParsedArtifact(_ context.Context, documentID uuid.UUID, parsedPath, parsedSHA256 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.docs[documentID]
	d.ParsedPath = &parsedPath
	d.ParsedSHA256 = &parsedSHA256
	f.docs[documentID] = d
	return nil
}

func (f *fakeStore) UpsertChunks(_ context.Context, documentID uuid.UUID, _ string, inputs []store.ChunkInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := map[string]bool{}
	for _, c := range f.chunks[documentID] {
		existing[c.ContentSHA256] = true
	}
	docIDStr := documentID.String()
	for _, in := range inputs {
		if existing[in.ContentSHA256] {
			continue
		}
		f.chunks[documentID] = append(f.chunks[documentID], store.Chunk{
			ChunkID:       identity.ChunkID(docIDStr, store.ChunkerName, store.ChunkerVersion, in.Ordinal, in.ContentSHA256),
			DocumentID:    documentID,
			Ordinal:       in.Ordinal,
			Content:       in.Content,
			ContentSHA256: in.ContentSHA256,
		})
	}
	return nil
}

func (f *fakeStore) ChunksContiguous(_ context.Context, documentID uuid.UUID) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.chunks[documentID]
	if len(cs) == 0 {
		return false, 0, nil
	}
	for i, c := range cs {
		if c.Ordinal != i {
			return false, len(cs), nil
		}
	}
	return true, len(cs), nil
}

func (f *fakeStore) ListChunks(_ context.Context, documentID uuid.UUID) ([]store.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Chunk, len(f.chunks[documentID]))
	copy(out, f.chunks[documentID])
	return out, nil
}

func (f *fakeStore) BufferEmbeddings(_ context.Context, documentID uuid.UUID, _ string, vectors []store.BufferedVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.buffer[documentID]
	byChunk := make(map[uuid.UUID]int, len(existing))
	for i, v := range existing {
		byChunk[v.ChunkID] = i
	}
	for _, v := range vectors {
		if i, ok := byChunk[v.ChunkID]; ok {
			existing[i] = v
			continue
		}
		existing = append(existing, v)
		byChunk[v.ChunkID] = len(existing) - 1
	}
	f.buffer[documentID] = existing
	return nil
}

func (f *fakeStore) BufferedChunkIDs(_ context.Context, documentID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]struct{}, len(f.buffer[documentID]))
	for _, v := range f.buffer[documentID] {
		out[v.ChunkID] = struct{}{}
	}
	return out, nil
}

func (f *fakeStore) CommitEmbeddingsFromBuffer(_ context.Context, documentID uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byChunk := map[uuid.UUID]store.BufferedVector{}
	for _, v := range f.buffer[documentID] {
		byChunk[v.ChunkID] = v
	}
	cs := f.chunks[documentID]
	for i, c := range cs {
		if v, ok := byChunk[c.ChunkID]; ok {
			cs[i].Embedding = v.Embedding
			model, version := v.EmbedModel, v.EmbedModelVersion
			cs[i].EmbedModel = &model
			cs[i].EmbedModelVersion = &version
		}
	}
	f.chunks[documentID] = cs
	delete(f.buffer, documentID)
	return nil
}

func (f *fakeStore) Advance(_ context.Context, jobID uuid.UUID, _ string, expectedStage, nextStage store.Stage, patch map[string]any, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advance = append(f.advance, advanceCall{jobID, expectedStage, nextStage, patch})
	return nil
}

func (f *fakeStore) TransitionState(_ context.Context, jobID uuid.UUID, _ string, expectedState, nextState store.State, opts store.TransitionStateOpts, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transit = append(f.transit, transitionCall{jobID, expectedState, nextState, opts})
	return nil
}

func (f *fakeStore) FinalizeJob(_ context.Context, jobID uuid.UUID, _ string, expectedStage store.Stage, counts map[string]any, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = append(f.final, finalizeCall{jobID, expectedStage, counts})
	return nil
}

// fakeParser lets tests script Submit/Poll responses.
type fakeParser struct {
	submitID  string
	submitErr error
	pollRes   parserclient.PollResult
	pollErr   error
}

func (p *fakeParser) Submit(_ context.Context, _ []byte, _, _ string) (string, error) {
	return p.submitID, p.submitErr
}
func (p *fakeParser) Poll(_ context.Context, _ string) (parserclient.PollResult, error) {
	return p.pollRes, p.pollErr
}

func newTestDeps() (*Deps, *objectstore.MemoryStore, *objectstore.MemoryStore) {
	raw := objectstore.NewMemoryStore()
	parsed := objectstore.NewMemoryStore()
	return &Deps{
		RawStore:          raw,
		ParsedStore:       parsed,
		Embedder:          embedder.NewDeterministic(8, false, 1),
		Chunker:           chunker.DefaultConfig,
		Policy:            retry.Policy{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffCap: time.Second},
		PollInterval:      time.Second,
		EmbedDimension:    8,
		EmbedModelVersion: "v1",
	}, raw, parsed
}

func putObject(t *testing.T, s objectstore.ObjectStore, key string, data []byte) {
	t.Helper()
	_, err := s.Put(context.Background(), key, bytes.NewReader(data), objectstore.PutOptions{})
	require.NoError(t, err)
}

func TestRunValidateJob_Success(t *testing.T) {
	fs := newFakeStore()
	deps, raw, _ := newTestDeps()
	deps.Store = fs
	docID := uuid.New()
	data := []byte("hello world")
	sum := identity.SHA256Hex(data)
	key := "o1/" + docID.String() + ".pdf"
	putObject(t, raw, key, data)
	fs.docs[docID] = store.Document{
		DocumentID: docID, OwnerID: "o1", RawPath: key,
		ByteSize: int64(len(data)), FileSHA256: sum,
	}

	job := store.Job{JobID: uuid.New(), DocumentID: docID, Stage: store.StageQueued, State: store.StateWorking}
	out := runValidateJob(context.Background(), deps, job)
	require.Equal(t, OutcomeAdvanced, out.Kind)
	require.Equal(t, store.StageJobValidated, out.NextStage)
}

func TestRunValidateJob_HashMismatch(t *testing.T) {
	fs := newFakeStore()
	deps, raw, _ := newTestDeps()
	deps.Store = fs
	docID := uuid.New()
	data := []byte("hello world")
	key := "o1/" + docID.String() + ".pdf"
	putObject(t, raw, key, data)
	fs.docs[docID] = store.Document{
		DocumentID: docID, OwnerID: "o1", RawPath: key,
		ByteSize: int64(len(data)), FileSHA256: "deadbeef",
	}

	job := store.Job{JobID: uuid.New(), DocumentID: docID, Stage: store.StageQueued}
	out := runValidateJob(context.Background(), deps, job)
	require.Equal(t, OutcomeFailed, out.Kind)
	require.Equal(t, retry.KindPermanent, retry.ClassifyCode(out.Code))
}

func TestRunPollParse_PendingThenDone(t *testing.T) {
	fs := newFakeStore()
	deps, _, _ := newTestDeps()
	deps.Store = fs
	docID := uuid.New()
	fs.docs[docID] = store.Document{DocumentID: docID, OwnerID: "o1"}
	job := store.Job{DocumentID: docID, Stage: store.StageParsing, Payload: map[string]any{"parser_job_id": "pj-1"}}

	deps.Parser = &fakeParser{pollRes: parserclient.PollResult{Status: parserclient.StatusRunning}}
	out := runPollParse(context.Background(), deps, job)
	require.Equal(t, OutcomePending, out.Kind)

	deps.Parser = &fakeParser{pollRes: parserclient.PollResult{Status: parserclient.StatusDone, Markdown: "# Title\n\nBody."}}
	out = runPollParse(context.Background(), deps, job)
	require.Equal(t, OutcomeAdvanced, out.Kind)
	require.Equal(t, store.StageParsed, out.NextStage)
	require.NotNil(t, fs.docs[docID].ParsedSHA256)
}

func TestRunPollParse_RateLimited(t *testing.T) {
	fs := newFakeStore()
	deps, _, _ := newTestDeps()
	deps.Store = fs
	docID := uuid.New()
	fs.docs[docID] = store.Document{DocumentID: docID}
	job := store.Job{DocumentID: docID, Stage: store.StageParsing, Payload: map[string]any{"parser_job_id": "pj-1"}}
	deps.Parser = &fakeParser{pollErr: parserclient.ErrRateLimited}

	out := runPollParse(context.Background(), deps, job)
	require.Equal(t, OutcomeFailed, out.Kind)
	require.True(t, errors.Is(out.Err, parserclient.ErrRateLimited))
	require.Equal(t, retry.KindTransient, retry.ClassifyCode(out.Code))
}

func TestRunValidateParse_HashMismatchIsPermanent(t *testing.T) {
	fs := newFakeStore()
	deps, _, parsed := newTestDeps()
	deps.Store = fs
	docID := uuid.New()
	key := "o1/" + docID.String() + ".md"
	putObject(t, parsed, key, []byte("# Title\n\nBody."))
	bogus := "0000000000000000000000000000000000000000000000000000000000000000"
	fs.docs[docID] = store.Document{DocumentID: docID, ParsedPath: &key, ParsedSHA256: &bogus}

	job := store.Job{DocumentID: docID, Stage: store.StageParsed}
	out := runValidateParse(context.Background(), deps, job)
	require.Equal(t, OutcomeFailed, out.Kind)
	require.Equal(t, retry.KindPermanent, retry.ClassifyCode(out.Code))
}

func TestChunkAndEmbedFlow_EndToEnd(t *testing.T) {
	fs := newFakeStore()
	deps, _, parsed := newTestDeps()
	deps.Store = fs
	docID := uuid.New()
	key := "o1/" + docID.String() + ".md"
	md := "# Title\n\nBody text here."
	putObject(t, parsed, key, []byte(md))
	fs.docs[docID] = store.Document{DocumentID: docID, ParsedPath: &key}

	job := store.Job{DocumentID: docID, Stage: store.StageChunking}
	out := runWriteChunks(context.Background(), deps, job)
	require.Equal(t, OutcomeAdvanced, out.Kind)
	require.Equal(t, store.StageChunksBuffered, out.NextStage)

	job.Stage = store.StageChunksBuffered
	out = runValidateChunks(context.Background(), deps, job)
	require.Equal(t, OutcomeAdvanced, out.Kind)
	require.Equal(t, store.StageChunked, out.NextStage)

	job.Stage = store.StageEmbedding
	out = runComputeEmbeddings(context.Background(), deps, job)
	require.Equal(t, OutcomeAdvanced, out.Kind)
	require.Equal(t, store.StageEmbeddingsBuffered, out.NextStage)

	job.Stage = store.StageEmbeddingsBuffered
	out = runCommitEmbeddings(context.Background(), deps, job)
	require.Equal(t, OutcomeFinalized, out.Kind)

	chunks, _ := fs.ListChunks(context.Background(), docID)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		require.NotNil(t, c.Embedding)
	}
	require.Empty(t, fs.buffer[docID])
}

func TestRunComputeEmbeddings_DimMismatch(t *testing.T) {
	fs := newFakeStore()
	deps, _, _ := newTestDeps()
	deps.Store = fs
	docID := uuid.New()
	fs.chunks[docID] = []store.Chunk{{ChunkID: uuid.New(), DocumentID: docID, Ordinal: 0, Content: "x"}}
	deps.EmbedDimension = 99 // deterministic embedder always produces dim 8

	job := store.Job{DocumentID: docID, Stage: store.StageEmbedding}
	out := runComputeEmbeddings(context.Background(), deps, job)
	require.Equal(t, OutcomeFailed, out.Kind)
	require.Equal(t, retry.KindPermanent, retry.ClassifyCode(out.Code))
}

// batchFailingEmbedder embeds in fixed-size batches and fails starting at
// batch number failAt (1-indexed), so tests can assert that batches before
// the failure are durably buffered rather than discarded.
type batchFailingEmbedder struct {
	dim       int
	batchSize int
	failAt    int
	calls     int
}

func (e *batchFailingEmbedder) Name() string   { return "batch-failing" }
func (e *batchFailingEmbedder) Dimension() int { return e.dim }
func (e *batchFailingEmbedder) BatchSize() int { return e.batchSize }
func (e *batchFailingEmbedder) Ping(_ context.Context) error { return nil }

func (e *batchFailingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.calls == e.failAt {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func TestRunComputeEmbeddings_PartialBatchFailureKeepsPriorBatchesBuffered(t *testing.T) {
	fs := newFakeStore()
	deps, _, _ := newTestDeps()
	deps.Store = fs
	deps.Embedder = &batchFailingEmbedder{dim: 8, batchSize: 1, failAt: 4}
	deps.EmbedDimension = 8

	docID := uuid.New()
	var chunks []store.Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, store.Chunk{ChunkID: uuid.New(), DocumentID: docID, Ordinal: i, Content: "x"})
	}
	fs.chunks[docID] = chunks

	job := store.Job{DocumentID: docID, Stage: store.StageEmbedding}
	out := runComputeEmbeddings(context.Background(), deps, job)
	require.Equal(t, OutcomeFailed, out.Kind)

	ids, err := fs.BufferedChunkIDs(context.Background(), docID)
	require.NoError(t, err)
	require.Len(t, ids, 3, "the three batches embedded before the failure must stay buffered")

	// A reclaimed retry only has to redo the batches that never buffered.
	embedder := deps.Embedder.(*batchFailingEmbedder)
	embedder.failAt = 0
	embedder.calls = 0
	out = runComputeEmbeddings(context.Background(), deps, job)
	require.Equal(t, OutcomeAdvanced, out.Kind)
	require.Equal(t, 2, embedder.calls, "only the 2 chunks missing a buffered vector should be re-embedded")
}

func TestApply_AdvancedCallsStoreAdvance(t *testing.T) {
	fs := newFakeStore()
	deps, _, _ := newTestDeps()
	deps.Store = fs
	job := store.Job{JobID: uuid.New(), Stage: store.StageQueued}
	err := apply(context.Background(), deps, "w1", job, Advanced(store.StageJobValidated, nil))
	require.NoError(t, err)
	require.Len(t, fs.advance, 1)
	require.Equal(t, store.StageJobValidated, fs.advance[0].toStage)
}

func TestApply_FailedTransientSchedulesRetry(t *testing.T) {
	fs := newFakeStore()
	deps, _, _ := newTestDeps()
	deps.Store = fs
	job := store.Job{JobID: uuid.New(), Stage: store.StageParsing, RetryCount: 0}
	err := apply(context.Background(), deps, "w1", job, Failed(events.CodeParserTimeout, errors.New("boom")))
	require.NoError(t, err)
	require.Len(t, fs.transit, 1)
	require.Equal(t, store.StateRetryable, fs.transit[0].toState)
	require.Equal(t, 1, *fs.transit[0].opts.RetryCount)
}

func TestApply_FailedPermanentDeadlettersImmediately(t *testing.T) {
	fs := newFakeStore()
	deps, _, _ := newTestDeps()
	deps.Store = fs
	job := store.Job{JobID: uuid.New(), Stage: store.StageParsing}
	err := apply(context.Background(), deps, "w1", job, Failed(events.CodeInputInvalid, errors.New("bad")))
	require.NoError(t, err)
	require.Len(t, fs.transit, 1)
	require.Equal(t, store.StateDeadletter, fs.transit[0].toState)
	require.True(t, fs.transit[0].opts.Finished)
}

func TestApply_BudgetExceededEscalatesToDeadletter(t *testing.T) {
	fs := newFakeStore()
	deps, _, _ := newTestDeps()
	deps.Store = fs
	deps.Policy.MaxRetries = 2
	job := store.Job{JobID: uuid.New(), Stage: store.StageParsing, RetryCount: 2}
	err := apply(context.Background(), deps, "w1", job, Failed(events.CodeParserTimeout, errors.New("timeout")))
	require.NoError(t, err)
	require.Len(t, fs.transit, 1)
	require.Equal(t, store.StateDeadletter, fs.transit[0].toState)
	require.Equal(t, string(events.CodeRetriesExhausted), fs.transit[0].opts.LastError.Code)
}

func TestApply_FinalizedCallsFinalizeJob(t *testing.T) {
	fs := newFakeStore()
	deps, _, _ := newTestDeps()
	deps.Store = fs
	job := store.Job{JobID: uuid.New(), Stage: store.StageEmbeddingsBuffered}
	err := apply(context.Background(), deps, "w1", job, Finalized(map[string]any{"chunk_count": 3}))
	require.NoError(t, err)
	require.Len(t, fs.final, 1)
	require.Equal(t, store.StageEmbeddingsBuffered, fs.final[0].expectedStage)
}

func TestExecute_DispatchesByStage(t *testing.T) {
	fs := newFakeStore()
	deps, raw, _ := newTestDeps()
	deps.Store = fs
	docID := uuid.New()
	data := []byte("x")
	key := "o1/" + docID.String() + ".pdf"
	putObject(t, raw, key, data)
	fs.docs[docID] = store.Document{DocumentID: docID, OwnerID: "o1", RawPath: key, ByteSize: 1, FileSHA256: identity.SHA256Hex(data)}

	job := store.Job{JobID: uuid.New(), DocumentID: docID, Stage: store.StageQueued, State: store.StateWorking}
	err := Execute(context.Background(), deps, "w1", job)
	require.NoError(t, err)
	require.Len(t, fs.advance, 1)
}

package store

import (
	"time"

	"github.com/google/uuid"
)

// Stage is a position in the eleven-stage chain. The zero value is not a
// valid stage; always use the named constants.
type Stage string

const (
	StageQueued             Stage = "queued"
	StageJobValidated       Stage = "job_validated"
	StageParsing            Stage = "parsing"
	StageParsed             Stage = "parsed"
	StageParseValidated     Stage = "parse_validated"
	StageChunking           Stage = "chunking"
	StageChunksBuffered     Stage = "chunks_buffered"
	StageChunked            Stage = "chunked"
	StageEmbedding          Stage = "embedding"
	StageEmbeddingsBuffered Stage = "embeddings_buffered"
	StageEmbedded           Stage = "embedded"
)

// stageOrder fixes the canonical chain; Next returns the stage immediately
// after s, or "" if s is terminal. Used to enforce stage monotonicity.
var stageOrder = []Stage{
	StageQueued, StageJobValidated, StageParsing, StageParsed, StageParseValidated,
	StageChunking, StageChunksBuffered, StageChunked,
	StageEmbedding, StageEmbeddingsBuffered, StageEmbedded,
}

// Next returns the stage that legally follows s in the canonical chain.
func (s Stage) Next() Stage {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// ProgressPercent maps a stage to the fixed percent-complete value shown
// to an operator polling a document's progress.
func (s Stage) ProgressPercent() int {
	switch s {
	case StageQueued:
		return 0
	case StageJobValidated:
		return 10
	case StageParsing:
		return 20
	case StageParsed:
		return 30
	case StageParseValidated:
		return 35
	case StageChunking:
		return 45
	case StageChunksBuffered:
		return 50
	case StageChunked:
		return 55
	case StageEmbedding:
		return 70
	case StageEmbeddingsBuffered:
		return 75
	case StageEmbedded:
		return 100
	default:
		return 0
	}
}

// State is the job's operational status at its current stage.
type State string

const (
	StateQueued     State = "queued"
	StateWorking    State = "working"
	StateRetryable  State = "retryable"
	StateDone       State = "done"
	StateDeadletter State = "deadletter"
)

// LastError is the structured error payload persisted on a job.
type LastError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Document represents one uploaded file.
type Document struct {
	DocumentID   uuid.UUID
	OwnerID      string
	Filename     string
	MimeType     string
	ByteSize     int64
	FileSHA256   string
	RawPath      string
	ParsedPath   *string
	ParsedSHA256 *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Job is a unit of progress for a document through the pipeline.
type Job struct {
	JobID         uuid.UUID
	DocumentID    uuid.UUID
	Stage         Stage
	State         State
	RetryCount    int
	NextRetryAt   *time.Time
	ClaimedBy     *string
	ClaimedAt     *time.Time
	LastError     *LastError
	Payload       map[string]any
	CorrelationID string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}

// Chunk is a semantic segment of parsed markdown with a co-located
// embedding.
type Chunk struct {
	ChunkID           uuid.UUID
	DocumentID        uuid.UUID
	Ordinal           int
	Content           string
	ContentSHA256     string
	Embedding         []float32
	EmbedModel        *string
	EmbedModelVersion *string
	CreatedAt         time.Time
}

// ChunkInput is what the chunk stage produces for one chunk before it is
// assigned a deterministic chunk_id.
type ChunkInput struct {
	Ordinal       int
	Content       string
	ContentSHA256 string
}

// BufferedVector is one row staged in document_vector_buffer.
type BufferedVector struct {
	ChunkID           uuid.UUID
	Embedding         []float32
	EmbedModel        string
	EmbedModelVersion string
}

// Worker is the registration record for one worker process.
type Worker struct {
	WorkerID      string
	Hostname      string
	Version       string
	StartedAt     time.Time
	LastHeartbeat time.Time
}

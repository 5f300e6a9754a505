// Package ingest implements the two core entry points the upload API
// invokes: enqueue_upload, which deduplicates the document, issues a
// time-limited signed upload URL, and creates the initial queued job; and
// get_job, the owner-scoped status read that reports stage, state, and a
// fixed progress percentage. The HTTP surface itself lives outside this
// repo; this package is the boundary it calls.
package ingest

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/identity"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/store"
)

// Store is the slice of *store.Store the ingest boundary uses.
type Store interface {
	CreateDocumentAndJob(ctx context.Context, ownerID, filename, mimeType string, byteSize int64, fileSHA256, rawPath, correlationID string, maxInFlightPerOwner int) (store.Document, store.Job, error)
	GetJobForOwner(ctx context.Context, jobID uuid.UUID, ownerID string) (store.Job, error)
}

// Service wires document admission to the raw bucket's presigner.
type Service struct {
	Store     Store
	Presigner objectstore.Presigner

	// SignedURLTTL bounds how long a returned upload URL stays valid.
	SignedURLTTL time.Duration
	// MaxInFlightPerOwner caps an owner's live jobs at admission time;
	// <=0 disables the cap.
	MaxInFlightPerOwner int
}

// EnqueueRequest is what the API hands over for one upload.
type EnqueueRequest struct {
	OwnerID    string
	Filename   string
	MimeType   string
	ByteSize   int64
	FileSHA256 string
	// CorrelationID ties every event this upload produces back to the
	// originating request; a fresh one is generated when empty.
	CorrelationID string
}

// EnqueueResult is returned to the API: the deterministic document id, the
// queued job driving it, and where the client should PUT the raw bytes.
type EnqueueResult struct {
	DocumentID    uuid.UUID
	JobID         uuid.UUID
	UploadURL     string
	CorrelationID string
}

// JobStatus is the owner-visible view of one job.
type JobStatus struct {
	JobID           uuid.UUID
	DocumentID      uuid.UUID
	Stage           store.Stage
	State           store.State
	ProgressPercent int
	RetryCount      int
	NextRetryAt     *time.Time
	LastError       *store.LastError
}

// EnqueueUpload admits one upload. Idempotent on (owner_id, file_sha256):
// the same bytes from the same owner map to the same document_id, the
// existing document row, and its original job. A fresh presigned URL is
// issued on every call, so a client that lost the first URL can retry the
// enqueue and still upload.
func (s *Service) EnqueueUpload(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.OwnerID == "" {
		return EnqueueResult{}, fmt.Errorf("ingest: owner_id is required")
	}
	if len(req.FileSHA256) != 64 {
		return EnqueueResult{}, fmt.Errorf("ingest: file_sha256 must be 64 hex characters, got %d", len(req.FileSHA256))
	}
	if req.ByteSize <= 0 {
		return EnqueueResult{}, fmt.Errorf("ingest: byte_size must be positive")
	}

	corrID := req.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	fileSHA := strings.ToLower(req.FileSHA256)

	docID := identity.DocumentID(req.OwnerID, fileSHA)
	key := objectstore.KeyFor(req.OwnerID, docID, rawExt(req.Filename, mimeType))

	doc, job, err := s.Store.CreateDocumentAndJob(ctx, req.OwnerID, req.Filename, mimeType,
		req.ByteSize, fileSHA, key, corrID, s.MaxInFlightPerOwner)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("ingest: admit document: %w", err)
	}

	uploadURL, err := s.Presigner.PresignPut(ctx, doc.RawPath, mimeType, s.SignedURLTTL)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("ingest: presign upload: %w", err)
	}

	return EnqueueResult{
		DocumentID:    doc.DocumentID,
		JobID:         job.JobID,
		UploadURL:     uploadURL,
		CorrelationID: job.CorrelationID,
	}, nil
}

// GetJob reads one job scoped to its owner. A job another tenant owns is
// indistinguishable from a missing one (store.ErrNotFound either way).
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID, ownerID string) (JobStatus, error) {
	j, err := s.Store.GetJobForOwner(ctx, jobID, ownerID)
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{
		JobID:           j.JobID,
		DocumentID:      j.DocumentID,
		Stage:           j.Stage,
		State:           j.State,
		ProgressPercent: j.Stage.ProgressPercent(),
		RetryCount:      j.RetryCount,
		NextRetryAt:     j.NextRetryAt,
		LastError:       j.LastError,
	}, nil
}

// rawExt picks the raw object's file extension: the upload's own extension
// when it has one, otherwise derived from the MIME type, falling back to
// "bin" for anything unrecognized.
func rawExt(filename, mimeType string) string {
	if ext := strings.TrimPrefix(filepath.Ext(filename), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}

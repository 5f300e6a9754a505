// Package admin implements the operational verbs a human operator needs:
// requeue, cancel, inspect, and sweeping orphaned vector buffers. It is a
// thin wrapper over internal/store's admin operations, one Store method
// per operational verb.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/events"
	"docpipeline/internal/store"
)

// Admin wraps a Store for operator-facing commands.
type Admin struct {
	Store *store.Store
}

// New constructs an Admin bound to s.
func New(s *store.Store) *Admin {
	return &Admin{Store: s}
}

// Requeue moves a dead-lettered job back to retryable.
func (a *Admin) Requeue(ctx context.Context, jobID uuid.UUID) error {
	return a.Store.RequeueDeadletter(ctx, jobID, time.Now().UTC())
}

// Cancel force-terminates every non-terminal job for a document.
func (a *Admin) Cancel(ctx context.Context, documentID uuid.UUID) error {
	return a.Store.CancelLiveJobs(ctx, documentID)
}

// Inspection bundles everything an operator needs to diagnose a document:
// the document, its jobs, chunk counts, and recent events.
type Inspection struct {
	Document     store.Document
	Jobs         []store.Job
	ChunkCount   int
	ChunksReady  bool
	RecentEvents []events.Event
}

// Inspect gathers the document, its jobs, chunk counts, and the last events
// for a human operator to diagnose a stuck or failed document.
func (a *Admin) Inspect(ctx context.Context, documentID uuid.UUID, eventLimit int) (Inspection, error) {
	doc, err := a.Store.GetDocument(ctx, documentID)
	if err != nil {
		return Inspection{}, fmt.Errorf("get document: %w", err)
	}
	jobs, err := a.Store.ListJobsForDocument(ctx, documentID)
	if err != nil {
		return Inspection{}, fmt.Errorf("list jobs: %w", err)
	}
	contiguous, n, err := a.Store.ChunksContiguous(ctx, documentID)
	if err != nil {
		return Inspection{}, fmt.Errorf("check chunks: %w", err)
	}
	evs, err := a.Store.ListEventsForDocument(ctx, documentID, eventLimit)
	if err != nil {
		return Inspection{}, fmt.Errorf("list events: %w", err)
	}
	return Inspection{
		Document:     doc,
		Jobs:         jobs,
		ChunkCount:   n,
		ChunksReady:  contiguous,
		RecentEvents: evs,
	}, nil
}

// SweepOrphanedBuffers removes buffered vectors left behind by a document
// whose commit never happened (the document's chunks never got embeddings
// and no job is driving it forward): buffered rows older than olderThan
// with no owning in-flight job are deleted so document_vector_buffer
// doesn't grow unbounded.
func (a *Admin) SweepOrphanedBuffers(ctx context.Context, olderThan time.Duration) (int64, error) {
	return a.Store.SweepOrphanedBuffers(ctx, olderThan)
}

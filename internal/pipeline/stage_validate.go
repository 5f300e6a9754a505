package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"docpipeline/internal/events"
	"docpipeline/internal/identity"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/store"
)

// runValidateJob moves a queued job to job_validated: verify the raw object
// exists at raw_path with the declared size and hash.
func runValidateJob(ctx context.Context, d *Deps, job store.Job) Outcome {
	doc, err := d.Store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("read document: %w", err))
	}

	rc, _, err := d.RawStore.Get(ctx, doc.RawPath)
	if errors.Is(err, objectstore.ErrNotFound) {
		return Failed(events.CodeInputInvalid, fmt.Errorf("raw object missing at %s", doc.RawPath))
	}
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("get raw object: %w", err))
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("read raw object: %w", err))
	}
	if int64(len(data)) != doc.ByteSize {
		return Failed(events.CodeInputInvalid, fmt.Errorf("raw object size %d != declared %d", len(data), doc.ByteSize))
	}
	if sum := identity.SHA256Hex(data); sum != doc.FileSHA256 {
		return Failed(events.CodeInputInvalid, fmt.Errorf("raw object hash %s != declared %s", sum, doc.FileSHA256))
	}

	return Advanced(store.StageJobValidated, nil)
}

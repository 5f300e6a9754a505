package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"docpipeline/internal/events"
	"docpipeline/internal/identity"
	"docpipeline/internal/store"
)

// runValidateParse moves a parsed document to parse_validated: re-download
// the parsed artifact, normalize, recompute its hash, and compare against
// the stored parsed_sha256. A mismatch is permanent — it means the
// artifact was tampered with or storage is inconsistent, and silently
// retrying could drift the pipeline's data without anyone noticing (this
// is why parse_validated is its own stage rather than part of the parsing
// hop).
//
// This recomputes against the stored normalized artifact at parsed_path,
// not the parser's raw output — the parsed_path content is treated as the
// authoritative input to the hash comparison.
func runValidateParse(ctx context.Context, d *Deps, job store.Job) Outcome {
	doc, err := d.Store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("read document: %w", err))
	}
	if doc.ParsedPath == nil || doc.ParsedSHA256 == nil {
		return Failed(events.CodeParserFailed, errors.New("parse_validated reached with no parsed artifact recorded"))
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
	sum := identity.SHA256Hex([]byte(normalized))
	if sum != *doc.ParsedSHA256 {
		return Failed(events.CodeHashMismatch, fmt.Errorf("parsed artifact hash %s != recorded %s", sum, *doc.ParsedSHA256))
	}

	return Advanced(store.StageParseValidated, nil)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"docpipeline/internal/events"
	"docpipeline/internal/identity"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/parserclient"
	"docpipeline/internal/store"
)

// runSubmitParse moves a validated job into parsing: submit the raw object
// to the external parser and persist its job handle in payload. Idempotent:
// if payload already carries a parser_job_id, a prior crash happened after
// submit but before advance, so the submit is skipped and the job simply
// advances.
func runSubmitParse(ctx context.Context, d *Deps, job store.Job) Outcome {
	if pid, _ := job.Payload["parser_job_id"].(string); pid != "" {
		return Advanced(store.StageParsing, nil)
	}

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
	raw, err := io.ReadAll(rc)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("read raw object: %w", err))
	}

	parserJobID, err := d.Parser.Submit(ctx, raw, doc.Filename, doc.MimeType)
	if errors.Is(err, parserclient.ErrRateLimited) {
		return Failed(events.CodeParserRateLimited, err)
	}
	if err != nil {
		// A transport-level failure submitting to the parser; reuse
		// parser_timeout as the closed taxonomy's transient bucket for
		// this external surface (there is no separate "unreachable" code).
		return Failed(events.CodeParserTimeout, fmt.Errorf("submit parse job: %w", err))
	}

	return Advanced(store.StageParsing, map[string]any{"parser_job_id": parserJobID})
}

// runPollParse drives parsing through to parsed: poll the parser on a
// bounded schedule; on completion, download the markdown, normalize it, and
// persist it at parsed_path/parsed_sha256. Idempotent: if the document
// already has a parsed artifact, skip straight to advance.
func runPollParse(ctx context.Context, d *Deps, job store.Job) Outcome {
	doc, err := d.Store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return Failed(events.CodeStorageUnavailable, fmt.Errorf("read document: %w", err))
	}
	if doc.ParsedPath != nil && doc.ParsedSHA256 != nil {
		return Advanced(store.StageParsed, nil)
	}

	pid, _ := job.Payload["parser_job_id"].(string)
	if pid == "" {
		return Failed(events.CodeParserFailed, errors.New("parsing stage reached with no parser_job_id in payload"))
	}

	res, err := d.Parser.Poll(ctx, pid)
	if errors.Is(err, parserclient.ErrRateLimited) {
		return Failed(events.CodeParserRateLimited, err)
	}
	if err != nil {
		return Failed(events.CodeParserTimeout, fmt.Errorf("poll parse job: %w", err))
	}

	switch res.Status {
	case parserclient.StatusQueued, parserclient.StatusRunning:
		return Pending(d.PollInterval)

	case parserclient.StatusFailed:
		reason := res.ErrorMessage
		if reason == "" {
			reason = res.ErrorCode
		}
		if reason == "" {
			reason = "parser reported failure with no detail"
		}
		return Failed(events.CodeParserFailed, errors.New(reason))

	case parserclient.StatusDone:
		normalized := identity.NormalizeMarkdown(res.Markdown)
		sum := identity.SHA256Hex([]byte(normalized))
		key := objectstore.KeyFor(doc.OwnerID, doc.DocumentID, "md")
		if _, err := d.ParsedStore.Put(ctx, key, strings.NewReader(normalized), objectstore.PutOptions{ContentType: "text/markdown; charset=utf-8"}); err != nil {
			return Failed(events.CodeStorageUnavailable, fmt.Errorf("put parsed artifact: %w", err))
		}
		if err := d.Store.SetParsedArtifact(ctx, doc.DocumentID, key, sum); err != nil {
			return Failed(events.CodeStorageUnavailable, fmt.Errorf("set parsed artifact: %w", err))
		}
		return Advanced(store.StageParsed, nil)

	default:
		return Failed(events.CodeParserFailed, fmt.Errorf("unknown parser status %q", res.Status))
	}
}

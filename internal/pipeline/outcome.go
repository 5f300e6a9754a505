// Package pipeline implements the stage executors that drive a job through
// the eleven-stage chain: one file per stage transition, plus the executor
// that applies whatever each stage function decides. Stage functions never
// touch job.State/Stage directly — they return an Outcome, a tagged result
// variant, and Execute is the single place that turns an Outcome into the
// corresponding store mutation. This keeps every stage function a pure
// decision (given job + deps, what happened) and every state mutation
// auditable in one spot.
package pipeline

import (
	"time"

	"docpipeline/internal/events"
	"docpipeline/internal/store"
)

// OutcomeKind is the closed set of things a stage function can decide.
type OutcomeKind int

const (
	// OutcomeAdvanced: the stage's work succeeded; move to NextStage.
	OutcomeAdvanced OutcomeKind = iota
	// OutcomeFinalized: the terminal hop into embedded/done succeeded.
	OutcomeFinalized
	// OutcomePending: the stage is waiting on an external async operation
	// (parser still running) and should be re-queued at the same stage
	// without consuming a retry.
	OutcomePending
	// OutcomeNoop: nothing to do — idempotency pre-check found the work
	// already done via a path other than the normal advance (reserved for
	// stage functions that apply their own store writes before returning).
	OutcomeNoop
	// OutcomeFailed: the stage's work raised; Code carries the closed
	// taxonomy reason and Execute classifies it through retry.Policy.
	OutcomeFailed
)

// Outcome is what a stage function returns; Execute applies it.
type Outcome struct {
	Kind         OutcomeKind
	NextStage    store.Stage
	Patch        map[string]any // payload fields to merge on advance
	PollAfter    time.Duration  // OutcomePending: when to re-check
	Code         events.Code    // OutcomeFailed
	Err          error          // OutcomeFailed
	FinalizeInfo map[string]any // OutcomeFinalized: counts logged on the finalized event
}

// Advanced builds a successful stage-complete Outcome.
func Advanced(next store.Stage, patch map[string]any) Outcome {
	return Outcome{Kind: OutcomeAdvanced, NextStage: next, Patch: patch}
}

// Finalized builds the terminal-success Outcome.
func Finalized(counts map[string]any) Outcome {
	return Outcome{Kind: OutcomeFinalized, FinalizeInfo: counts}
}

// Pending builds a "re-check later, this isn't a failure" Outcome.
func Pending(after time.Duration) Outcome {
	return Outcome{Kind: OutcomePending, PollAfter: after}
}

// Noop builds a "nothing for Execute to do" Outcome.
func Noop() Outcome {
	return Outcome{Kind: OutcomeNoop}
}

// Failed builds a failure Outcome carrying the closed error code the retry
// policy classifies.
func Failed(code events.Code, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Code: code, Err: err}
}

// Package retry implements pure classification of a stage failure into
// transient/permanent/budget-exceeded, and the backoff schedule. Nothing
// here touches the database or the clock beyond what's passed in, so the
// whole policy is testable without a live Postgres.
package retry

import (
	"math"
	"math/rand"
	"time"

	"docpipeline/internal/events"
)

// Classification is the outcome of applying the failure policy to one
// error. It is consumed directly by store.TransitionState's caller.
type Classification struct {
	NextState    string // "retryable" | "deadletter"
	Code         events.Code
	RetryCount   int
	NextRetryAt  *time.Time
	Deadlettered bool
}

// Kind is the closed classification a stage executor assigns to a failure,
// used in place of raw errors so control flow stays a plain switch instead
// of error-string matching.
type Kind int

const (
	// KindTransient: network error, upstream 5xx, rate-limit.
	KindTransient Kind = iota
	// KindPermanent: malformed input, hash mismatch, dimension mismatch, etc.
	KindPermanent
	// KindNoop: db_conflict/lease_lost — not a failure, not counted as a retry.
	KindNoop
)

// Policy holds the tunables for exponential backoff and the retry budget.
type Policy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Backoff computes backoff(n) = base * 2^n + jitter, capped. jitter is up
// to 20% of the uncapped value, resolved via the injected rand source so
// callers can make it deterministic in tests.
func (p Policy) Backoff(retryCount int, rnd *rand.Rand) time.Duration {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}
	base := p.BackoffBase
	if base <= 0 {
		base = 3 * time.Second
	}
	capD := p.BackoffCap
	if capD <= 0 {
		capD = 5 * time.Minute
	}
	mult := math.Pow(2, float64(retryCount))
	d := time.Duration(float64(base) * mult)
	jitter := time.Duration(rnd.Float64() * 0.2 * float64(d))
	d += jitter
	if d > capD {
		d = capD
	}
	return d
}

// Classify decides the next job state for a failure of kind classified by
// the stage executor, given the job's current retry_count and now. code
// must be one of the closed events.Code values.
func (p Policy) Classify(kind Kind, code events.Code, retryCount int, now time.Time) Classification {
	switch kind {
	case KindPermanent:
		return Classification{NextState: "deadletter", Code: code, RetryCount: retryCount, Deadlettered: true}
	case KindTransient:
		next := retryCount + 1
		maxRetries := p.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		if next > maxRetries {
			return Classification{NextState: "deadletter", Code: events.CodeRetriesExhausted, RetryCount: next, Deadlettered: true}
		}
		at := now.Add(p.Backoff(next, nil))
		return Classification{NextState: "retryable", Code: code, RetryCount: next, NextRetryAt: &at}
	default: // KindNoop
		return Classification{}
	}
}

// ClassifyCode maps each closed error code to its Kind. Codes not in the
// taxonomy default to KindPermanent — an unrecognized failure should not be
// retried indefinitely.
func ClassifyCode(code events.Code) Kind {
	switch code {
	case events.CodeParserTimeout, events.CodeParserRateLimited, events.CodeEmbedRateLimited, events.CodeStorageUnavailable:
		return KindTransient
	case events.CodeDBConflict, events.CodeLeaseLost:
		return KindNoop
	case events.CodeInputInvalid, events.CodeParserFailed, events.CodeEmbedDimMismatch,
		events.CodeEmbedLengthMismatch, events.CodeHashMismatch, events.CodeRetriesExhausted:
		return KindPermanent
	default:
		return KindPermanent
	}
}

package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docpipeline/internal/events"
)

func TestClassifyCode_Taxonomy(t *testing.T) {
	require.Equal(t, KindTransient, ClassifyCode(events.CodeParserTimeout))
	require.Equal(t, KindTransient, ClassifyCode(events.CodeParserRateLimited))
	require.Equal(t, KindTransient, ClassifyCode(events.CodeEmbedRateLimited))
	require.Equal(t, KindTransient, ClassifyCode(events.CodeStorageUnavailable))

	require.Equal(t, KindNoop, ClassifyCode(events.CodeDBConflict))
	require.Equal(t, KindNoop, ClassifyCode(events.CodeLeaseLost))

	require.Equal(t, KindPermanent, ClassifyCode(events.CodeInputInvalid))
	require.Equal(t, KindPermanent, ClassifyCode(events.CodeParserFailed))
	require.Equal(t, KindPermanent, ClassifyCode(events.CodeEmbedDimMismatch))
	require.Equal(t, KindPermanent, ClassifyCode(events.CodeEmbedLengthMismatch))
	require.Equal(t, KindPermanent, ClassifyCode(events.CodeHashMismatch))
}

func TestPolicy_Backoff_MonotonicAndCapped(t *testing.T) {
	p := Policy{MaxRetries: 3, BackoffBase: time.Second, BackoffCap: 10 * time.Second}
	rnd := rand.New(rand.NewSource(42))

	prev := time.Duration(0)
	for n := 0; n < 10; n++ {
		d := p.Backoff(n, rnd)
		require.LessOrEqual(t, d, p.BackoffCap)
		require.GreaterOrEqual(t, d, prev-time.Duration(float64(prev)*0.2)) // roughly non-decreasing before the cap
		prev = d
	}
}

func TestPolicy_Classify_TransientBelowBudget(t *testing.T) {
	p := Policy{MaxRetries: 3, BackoffBase: time.Second, BackoffCap: time.Minute}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c := p.Classify(KindTransient, events.CodeStorageUnavailable, 0, now)
	require.Equal(t, "retryable", c.NextState)
	require.Equal(t, 1, c.RetryCount)
	require.NotNil(t, c.NextRetryAt)
	require.True(t, c.NextRetryAt.After(now))
}

func TestPolicy_Classify_BudgetExceeded(t *testing.T) {
	p := Policy{MaxRetries: 3, BackoffBase: time.Second, BackoffCap: time.Minute}
	now := time.Now()

	c := p.Classify(KindTransient, events.CodeStorageUnavailable, 3, now)
	require.Equal(t, "deadletter", c.NextState)
	require.Equal(t, events.CodeRetriesExhausted, c.Code)
	require.True(t, c.Deadlettered)
}

func TestPolicy_Classify_Permanent(t *testing.T) {
	p := Policy{MaxRetries: 3, BackoffBase: time.Second, BackoffCap: time.Minute}
	c := p.Classify(KindPermanent, events.CodeHashMismatch, 0, time.Now())
	require.Equal(t, "deadletter", c.NextState)
	require.True(t, c.Deadlettered)
	require.Equal(t, events.CodeHashMismatch, c.Code)
}

func TestPolicy_Classify_Noop(t *testing.T) {
	p := Policy{}
	c := p.Classify(KindNoop, events.CodeDBConflict, 5, time.Now())
	require.Equal(t, Classification{}, c)
}

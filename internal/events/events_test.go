package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeWriter records events in memory and can be made to fail on demand, so
// Log's swallow-and-count behavior is testable without a live Postgres.
type fakeWriter struct {
	mu     sync.Mutex
	events []Event
	failN  int // fail the next failN writes
}

func (f *fakeWriter) Write(ctx context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("write failed")
	}
	f.events = append(f.events, ev)
	return nil
}

func resetDropped() {
	DroppedCount.Store(0)
}

func TestLog_WritesValidEvent(t *testing.T) {
	resetDropped()
	w := &fakeWriter{}
	jobID := uuid.New()
	docID := uuid.New()

	Log(context.Background(), w, SeverityInfo, TypeStageDone, CodeStageOK, &jobID, &docID, "corr-1", map[string]any{"stage": "parsing"})

	require.Len(t, w.events, 1)
	ev := w.events[0]
	require.Equal(t, SeverityInfo, ev.Severity)
	require.Equal(t, TypeStageDone, ev.Type)
	require.Equal(t, CodeStageOK, ev.Code)
	require.Equal(t, "corr-1", ev.CorrelationID)
	require.Equal(t, &jobID, ev.JobID)
	require.NotEqual(t, uuid.Nil, ev.EventID)
	require.Equal(t, int64(0), DroppedCount.Load())
}

func TestLog_RejectsUnknownCode(t *testing.T) {
	resetDropped()
	w := &fakeWriter{}

	Log(context.Background(), w, SeverityError, TypeError, Code("not_a_real_code"), nil, nil, "corr-2", nil)

	require.Empty(t, w.events)
	require.Equal(t, int64(1), DroppedCount.Load())
}

func TestLog_SwallowsWriteFailureAndCounts(t *testing.T) {
	resetDropped()
	w := &fakeWriter{failN: 1}

	require.NotPanics(t, func() {
		Log(context.Background(), w, SeverityError, TypeError, CodeParserFailed, nil, nil, "corr-3", nil)
	})

	require.Empty(t, w.events)
	require.Equal(t, int64(1), DroppedCount.Load())

	// A subsequent successful write still succeeds; the counter isn't reset
	// by success but stops incrementing.
	Log(context.Background(), w, SeverityInfo, TypeRetry, CodeDBConflict, nil, nil, "corr-4", nil)
	require.Len(t, w.events, 1)
	require.Equal(t, int64(1), DroppedCount.Load())
}

func TestLog_NilWriterCountsDropped(t *testing.T) {
	resetDropped()
	Log(context.Background(), nil, SeverityWarn, TypeRetry, CodeLeaseLost, nil, nil, "corr-5", nil)
	require.Equal(t, int64(1), DroppedCount.Load())
}

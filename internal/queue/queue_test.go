package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docpipeline/internal/store"
)

func TestLease_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	leaseTTL := 5 * time.Minute

	l := Lease{Job: store.Job{}, ClaimedAt: now.Add(-4 * time.Minute)}
	require.False(t, l.Expired(now, leaseTTL), "claimed 4m ago with a 5m ttl is still live")

	l2 := Lease{Job: store.Job{}, ClaimedAt: now.Add(-6 * time.Minute)}
	require.True(t, l2.Expired(now, leaseTTL), "claimed 6m ago with a 5m ttl has expired")
}

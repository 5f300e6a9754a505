package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucket_AllowsBurstThenThrottles(t *testing.T) {
	b := NewBucket(1, 2) // 1/sec, burst 2
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, b.Wait(ctx)) // consumes 1 of 2 burst tokens, immediate
	require.NoError(t, b.Wait(ctx)) // consumes the 2nd, immediate
	require.Less(t, time.Since(start), 50*time.Millisecond)

	// third call must wait roughly 1s for refill
	require.NoError(t, b.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestBucket_DisabledWhenRateNonPositive(t *testing.T) {
	b := NewBucket(0, 5)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Wait(ctx))
	}
}

func TestBucket_RespectsContextCancellation(t *testing.T) {
	b := NewBucket(0.1, 1) // very slow refill
	ctx := context.Background()
	require.NoError(t, b.Wait(ctx)) // consume the only token

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Wait(cctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

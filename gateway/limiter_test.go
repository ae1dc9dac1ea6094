package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketLimiter_Burst(t *testing.T) {
	l := NewTokenBucketLimiter(1, 3)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "burst served without waiting")
}

func TestTokenBucketLimiter_RespectsContext(t *testing.T) {
	l := NewTokenBucketLimiter(0.1, 1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketLimiter_Refill(t *testing.T) {
	l := NewTokenBucketLimiter(100, 1)
	require.NoError(t, l.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestNewTokenBucketLimiter_Defaults(t *testing.T) {
	l := NewTokenBucketLimiter(0, 0)
	assert.Equal(t, 1.0, l.rate)
	assert.Equal(t, 1, l.burst)
}

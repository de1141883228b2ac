package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_AllowDrainsAndRefills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tb := NewTokenBucket(2, 4)
	tb.now = func() time.Time { return now }
	tb.lastRefill = now

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	now = now.Add(250 * time.Millisecond)
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	now = now.Add(10 * time.Second)
	assert.Equal(t, 2, tb.Remaining(), "refill is capped at capacity")
}

func TestTokenBucket_WaitHonoursContext(t *testing.T) {
	tb := NewTokenBucket(1, 0.5)
	require.NoError(t, tb.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)
}

func TestTokenBucket_Unlimited(t *testing.T) {
	tb := NewTokenBucket(1, 0)
	for i := 0; i < 100; i++ {
		require.True(t, tb.Allow())
	}
	var nilBucket *TokenBucket
	assert.NoError(t, nilBucket.Wait(context.Background()))
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiterNeverLimits(t *testing.T) {
	var l *Limiter
	assert.Nil(t, New(0, 0, 0))
	assert.True(t, l.Allow(1<<30))
	assert.NoError(t, l.Wait(context.Background(), 1<<30))
}

func TestByteBudget(t *testing.T) {
	l := New(1000, 0, 1000)
	assert.True(t, l.Allow(600))
	assert.False(t, l.Allow(600))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 600))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestFrameBudget(t *testing.T) {
	l := New(0, 2, 0)
	assert.True(t, l.Allow(1))
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(1))
}

func TestOversizedFrameWaitsForFullBucket(t *testing.T) {
	l := New(1024, 0, 1024)
	assert.True(t, l.Allow(1<<16), "capped at the burst")
	assert.False(t, l.Allow(512))
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(1, 0, 1)
	require.True(t, l.Allow(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx, 1), context.DeadlineExceeded)
}

func TestBothBucketsMustHaveRoom(t *testing.T) {
	l := New(1000, 1, 1000)
	assert.True(t, l.Allow(10))
	assert.False(t, l.Allow(10), "bytes remain but the frame bucket is empty")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx, 10), context.DeadlineExceeded)
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLimiter(1, 3, time.Minute)
	defer m.Close()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "user:a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}

	ok, err := m.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	// Keys are independent buckets.
	ok, err = m.Allow(ctx, "user:b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLimiterRefill(t *testing.T) {
	ctx := context.Background()
	// 50 tokens/second so the test refills quickly.
	m := NewMemoryLimiter(50, 1, time.Minute)
	defer m.Close()

	ok, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(50 * time.Millisecond)

	ok, err = m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "bucket refilled after waiting")
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLimiter(10, 2, time.Minute)
	defer m.Close()

	_, err := m.Allow(ctx, "k")
	require.NoError(t, err)

	// Plenty of refill time, but capacity stays capped at burst.
	time.Sleep(500 * time.Millisecond)

	allowed := 0
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k")
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1, time.Minute)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l Limiter = NoopLimiter{}
	ok, err := l.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Close())
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_BurstThenThrottle(t *testing.T) {
	b := NewBucket(10, 2)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, b.Acquire(ctx))
	assert.Less(t, time.Since(start), 20*time.Millisecond, "burst capacity should not block")

	start = time.Now()
	require.NoError(t, b.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "third acquire should wait roughly 1/rps")
}

func TestBucket_DefaultCapacityEqualsRate(t *testing.T) {
	b := NewBucket(5, 0)
	assert.InDelta(t, 5.0, b.Tokens(), 0.001)
}

func TestBucket_AcquireRespectsContextCancellation(t *testing.T) {
	b := NewBucket(1, 1)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx))

	cctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	err := b.Acquire(cctx)
	assert.Error(t, err)
}

func TestManager_PerHostIsolation(t *testing.T) {
	m := NewManager(100, 1)
	m.AddHost("slow.example.com", 1, 1)

	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "fast.example.com"))
	require.NoError(t, m.Acquire(ctx, "slow.example.com"))

	start := time.Now()
	require.NoError(t, m.Acquire(ctx, "fast.example.com"))
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	start = time.Now()
	require.NoError(t, m.Acquire(ctx, "slow.example.com"))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

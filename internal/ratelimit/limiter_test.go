package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLimiter(rdb), mr
}

func TestAllowWithinLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "key-1", 3, time.Hour)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, int64(i+1), res.Count)
	}

	res, err := limiter.Allow(ctx, "key-1", 3, time.Hour)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryIn, time.Duration(0))
}

func TestAllowKeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "key-a", 1, time.Hour)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, "key-a", 1, time.Hour)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = limiter.Allow(ctx, "key-b", 1, time.Hour)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestAllowUnlimitedWhenNonPositive(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := limiter.Allow(ctx, "key-free", 0, time.Hour)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	require.Empty(t, mr.Keys())
}

func TestAllowWindowExpiry(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "key-2", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, "key-2", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	mr.FastForward(2 * time.Minute)

	res, err = limiter.Allow(ctx, "key-2", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

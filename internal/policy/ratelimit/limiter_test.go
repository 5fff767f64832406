package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_SpacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "example.com", 100*time.Millisecond))
	require.Less(t, time.Since(start), 50*time.Millisecond, "first wait should be immediate")

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "EXAMPLE.com", 100*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "a.example", time.Second))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b.example", time.Second))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_NoDelayNeverBlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "example.com", 0))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_DefaultDelayApplies(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultDelay: 80 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "example.com", 0))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "example.com", 0))
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestLimiter_HonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.NoError(t, l.Wait(context.Background(), "example.com", time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "example.com", time.Minute)
	require.Error(t, err)
}

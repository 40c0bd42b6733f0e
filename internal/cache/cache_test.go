package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/cache"
)

func TestCache_GetOrLoad(t *testing.T) {
	c := cache.New[string, int](cache.Config{})

	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	for range 3 {
		v, err := c.GetOrLoad(context.Background(), "k", load)
		require.NoError(t, err)
		require.Equal(t, 42, v)
	}
	require.Equal(t, 1, calls, "loader should only run on the first miss")

	c.Invalidate("k")
	_, err := c.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "loader should run again after invalidation")
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	c := cache.New[string, int](cache.Config{})
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, c.Len())
}

func TestCache_Expires(t *testing.T) {
	c := cache.New[string, int](cache.Config{TTL: 20 * time.Millisecond})
	c.Set("k", 1)

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCache_Bounded(t *testing.T) {
	c := cache.New[int, int](cache.Config{Size: 2})
	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(3, 3)

	require.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	require.False(t, ok, "oldest entry should be evicted")
}

package cachekv

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must behave identically for the operations the
// pipeline relies on.
func caches(t *testing.T) map[string]Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return map[string]Cache{
		"memory": NewMemoryCache(time.Minute),
		"redis":  NewRedisCacheFromClient(rdb),
	}
}

func TestGetSet(t *testing.T) {
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := c.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.SetTTL(ctx, "k", "v", time.Minute))
			val, ok, err := c.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v", val)
		})
	}
}

func TestAddUnique(t *testing.T) {
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			added, err := c.AddUnique(ctx, "evt:1", time.Minute)
			require.NoError(t, err)
			assert.True(t, added)

			added, err = c.AddUnique(ctx, "evt:1", time.Minute)
			require.NoError(t, err)
			assert.False(t, added)

			added, err = c.AddUnique(ctx, "evt:2", time.Minute)
			require.NoError(t, err)
			assert.True(t, added)
		})
	}
}

func TestSetAddPopAll(t *testing.T) {
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, c.SetAdd(ctx, "recent", time.Minute, "1", "2"))
			require.NoError(t, c.SetAdd(ctx, "recent", time.Minute, "2", "3"))

			members, err := c.SetPopAll(ctx, "recent")
			require.NoError(t, err)
			sort.Strings(members)
			assert.Equal(t, []string{"1", "2", "3"}, members)

			// Popped set is gone.
			members, err = c.SetPopAll(ctx, "recent")
			require.NoError(t, err)
			assert.Empty(t, members)
		})
	}
}

func TestDeleteReleasesUniqueKey(t *testing.T) {
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			added, err := c.AddUnique(ctx, "evt:9", time.Minute)
			require.NoError(t, err)
			require.True(t, added)

			require.NoError(t, c.Delete(ctx, "evt:9"))

			added, err = c.AddUnique(ctx, "evt:9", time.Minute)
			require.NoError(t, err)
			assert.True(t, added)

			// Absent keys delete cleanly.
			assert.NoError(t, c.Delete(ctx, "never-set"))
		})
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(rdb)
	ctx := context.Background()

	require.NoError(t, c.SetTTL(ctx, "blocked", "v", 30*time.Second))
	mr.FastForward(31 * time.Second)

	_, ok, err := c.Get(ctx, "blocked")
	require.NoError(t, err)
	assert.False(t, ok)
}

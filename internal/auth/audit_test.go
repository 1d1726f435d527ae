package auth

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glitchtip/backend/internal/cachekv"
)

func TestReauditQueueHandsOffOrgIDs(t *testing.T) {
	cache := cachekv.NewMemoryCache(time.Minute)
	q := NewReauditQueue(cache)
	ctx := context.Background()

	q.Enqueue(ctx, 7)
	q.EnqueueAll(ctx, []int64{3, 7, 12})

	// The billing side pops the set; ids deduplicate.
	members, err := cache.SetPopAll(ctx, cachekv.KeyThrottleReaudit)
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"12", "3", "7"}, members)

	members, err = cache.SetPopAll(ctx, cachekv.KeyThrottleReaudit)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestReauditQueueEmptyBatch(t *testing.T) {
	cache := cachekv.NewMemoryCache(time.Minute)
	q := NewReauditQueue(cache)

	q.EnqueueAll(context.Background(), nil)

	members, err := cache.SetPopAll(context.Background(), cachekv.KeyThrottleReaudit)
	require.NoError(t, err)
	assert.Empty(t, members)
}

package counter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounters(t *testing.T) *Counters {
	t.Helper()
	mr := miniredis.RunT(t)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	c := newTestCounters(t)

	require.NoError(t, c.AddPurchase(ctx, "verify", 200))
	require.NoError(t, c.AddPurchase(ctx, "verify", 200))
	require.NoError(t, c.AddPurchase(ctx, "verify", 422))
	require.NoError(t, c.AddPurchase(ctx, "restore", 502))
	require.NoError(t, c.AddWebhook(ctx, "subscription", "applied"))
	require.NoError(t, c.AddDeliveries(ctx, 98, 2))
	require.NoError(t, c.AddDeliveries(ctx, 0, 0))
	require.NoError(t, c.AddDeliveries(ctx, 5, 0))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"verify:2xx": 2, "verify:4xx": 1, "restore:5xx": 1}, snap["purchases"])
	assert.Equal(t, map[string]int64{"subscription:applied": 1}, snap["webhooks"])
	assert.Equal(t, map[string]int64{"sent": 103, "failed": 2}, snap["push"])
}

func TestSnapshotEmpty(t *testing.T) {
	snap, err := newTestCounters(t).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap["purchases"])
	assert.Len(t, snap, 3)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client), mr
}

func TestLock_ExclusiveUntilReleased(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:campaign:1"))

	_, err = locker.Acquire(ctx, "campaign:1", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := locker.Acquire(ctx, "campaign:2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists("lock:campaign:1"))

	_, err = locker.Acquire(ctx, "campaign:1", time.Minute)
	assert.NoError(t, err)
}

func TestLock_ReleaseDoesNotStealForeignLock(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "campaign:3", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := locker.Acquire(ctx, "campaign:3", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("lock:campaign:3"))
	assert.ErrorIs(t, stale.Extend(ctx, time.Minute), ErrLockHeld)

	require.NoError(t, current.Extend(ctx, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("lock:campaign:3"))
}

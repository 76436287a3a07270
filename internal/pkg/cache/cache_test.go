package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	t.Run("host and port", func(t *testing.T) {
		t.Setenv("CACHE_URL", "")
		t.Setenv("CACHE_HOST", "redis")
		t.Setenv("CACHE_PORT", "6380")
		t.Setenv("CACHE_DB", "2")
		t.Setenv("CACHE_POOL_SIZE", "")

		opts, err := Options()
		require.NoError(t, err)
		assert.Equal(t, "redis:6380", opts.Addr)
		assert.Equal(t, 2, opts.DB)
	})

	t.Run("url wins", func(t *testing.T) {
		t.Setenv("CACHE_URL", "redis://:pw@cache.internal:6390/3")
		t.Setenv("CACHE_HOST", "ignored")
		t.Setenv("CACHE_POOL_SIZE", "40")

		opts, err := Options()
		require.NoError(t, err)
		assert.Equal(t, "cache.internal:6390", opts.Addr)
		assert.Equal(t, "pw", opts.Password)
		assert.Equal(t, 3, opts.DB)
		assert.Equal(t, 40, opts.PoolSize)
	})

	t.Run("bad url", func(t *testing.T) {
		t.Setenv("CACHE_URL", "http://nope")
		_, err := Options()
		assert.Error(t, err)
	})
}

func TestSharedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	SetClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { SetClient(nil) })

	require.NoError(t, Ping(context.Background()))
	require.NoError(t, Close())

	// Close is idempotent once the client is gone
	SetClient(nil)
	assert.NoError(t, Close())
}

// Package cache owns the shared Redis client used for locks, counters, the
// job queue and the rate limiter.
package cache

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
)

var (
	mu     sync.RWMutex
	client *redis.Client
)

// Options reads CACHE_URL when set, otherwise CACHE_HOST, CACHE_PORT,
// CACHE_PASSWORD and CACHE_DB.
func Options() (*redis.Options, error) {
	var opts *redis.Options
	if url := env.GetEnv("CACHE_URL", ""); url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     net.JoinHostPort(env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       env.GetEnvInt("CACHE_DB", 0),
		}
	}
	if size := env.GetEnvInt("CACHE_POOL_SIZE", 0); size > 0 {
		opts.PoolSize = size
	}
	return opts, nil
}

// SetupCache connects the shared client. An unreachable server is logged, not
// fatal: go-redis reconnects on the next command.
func SetupCache() {
	opts, err := Options()
	if err != nil {
		log.Errorf("[Cache] Invalid CACHE_URL, falling back to localhost: %v", err)
		opts = &redis.Options{Addr: "localhost:6379"}
	}
	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		log.Warnf("[Cache] Redis at %s not reachable yet: %v", opts.Addr, err)
	} else {
		log.Infof("[Cache] Connected to Redis at %s (db %d)", opts.Addr, opts.DB)
	}
	SetClient(c)
}

// GetClient connects lazily on first use.
func GetClient() *redis.Client {
	mu.RLock()
	c := client
	mu.RUnlock()
	if c == nil {
		SetupCache()
		mu.RLock()
		c = client
		mu.RUnlock()
	}
	return c
}

// SetClient replaces the shared client, e.g. with one pointing at miniredis.
func SetClient(c *redis.Client) {
	mu.Lock()
	client = c
	mu.Unlock()
}

// Ping is the health probe for the shared client.
func Ping(ctx context.Context) error {
	return GetClient().Ping(ctx).Err()
}

// Close releases the shared client; GetClient reconnects afterwards.
func Close() error {
	mu.Lock()
	c := client
	client = nil
	mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

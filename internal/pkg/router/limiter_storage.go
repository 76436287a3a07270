package router

import (
	"net"
	"strconv"

	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/storekeeper/internal/pkg/cache"
	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
)

// NewLimiterStorage returns a fiber storage on the Redis server the cache
// uses, in its own logical database.
func NewLimiterStorage() *redis.Storage {
	host, port, password := redisEndpoint()
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetEnvInt("RATE_LIMIT_REDIS_DB", 1),
		Reset:    false,
	})
}

// redisEndpoint reads address and password from the shared cache client,
// falling back to localhost:6379.
func redisEndpoint() (string, int, string) {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")

	cacheClient := cache.GetClient()
	if cacheClient == nil {
		return host, port, password
	}
	if h, p, err := net.SplitHostPort(cacheClient.Options().Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	if p := cacheClient.Options().Password; p != "" {
		password = p
	}
	return host, port, password
}

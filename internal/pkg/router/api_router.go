package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/storekeeper/app/repository"
	apiv1 "github.com/ManuelReschke/storekeeper/internal/api/v1"
	"github.com/ManuelReschke/storekeeper/internal/pkg/cache"
	"github.com/ManuelReschke/storekeeper/internal/pkg/database"
	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
	"github.com/ManuelReschke/storekeeper/internal/pkg/middleware"
)

type ApiRouter struct {
	users         repository.UserRepository
	webhookSecret string
	limit         limiter.Config
	checks        map[string]apiv1.HealthCheck
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(h.limit))

	server := apiv1.NewAPIServer(h.checks)
	api.Get("/health", server.GetHealth)

	// API v1 routes
	v1 := api.Group("/v1")
	apiv1.RegisterHandlers(v1, server, apiv1.Guards{
		APIKey:  middleware.APIKeyAuthMiddleware(h.users),
		Admin:   middleware.RequireAdmin,
		Webhook: middleware.RequireWebhookToken(h.webhookSecret),
	})
}

// NewApiRouter wires the API against the global repository factory and the
// shared Redis client. The limiter keeps its counters in Redis so every
// instance behind the load balancer shares one budget.
func NewApiRouter() *ApiRouter {
	return &ApiRouter{
		users:         repository.GetGlobalFactory().Users(),
		webhookSecret: env.GetEnv("GOOGLE_PLAY_WEBHOOK_TOKEN", ""),
		limit:         limiterConfig(NewLimiterStorage()),
		checks: map[string]apiv1.HealthCheck{
			"database": pingDatabase,
			"cache":    cache.Ping,
		},
	}
}

func limiterConfig(storage fiber.Storage) limiter.Config {
	return limiter.Config{
		Max:        env.GetEnvInt("RATE_LIMIT_MAX", 120),
		Expiration: env.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		Storage:    storage,
		// Pub/Sub retries on 429 anyway and delivers from a small set of IPs.
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/api/v1/webhooks/google-play" || c.Path() == "/api/health"
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	}
}

func pingDatabase(ctx context.Context) error {
	db := database.GetDB()
	if db == nil {
		return database.ErrNotConnected
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

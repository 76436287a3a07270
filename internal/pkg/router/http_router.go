package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
)

// HttpRouter serves the operator endpoints outside /api.
type HttpRouter struct {
	metricsUser     string
	metricsPassword string
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"service": "storekeeper", "docs": "/docs/api/v1"})
	})

	// fiber metrics; disabled unless a password is configured
	if h.metricsPassword == "" {
		return
	}
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			h.metricsUser: h.metricsPassword,
		},
	}), monitor.New(monitor.Config{Title: "storekeeper metrics"}))
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{
		metricsUser:     env.GetEnv("METRICS_USER", "admin"),
		metricsPassword: env.GetEnv("METRICS_PASSWORD", ""),
	}
}

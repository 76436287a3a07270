package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs one route family on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter mounts the service routes. HttpRouter goes first so /metrics
// is not counted by the /api limiter.
func InstallRouter(app *fiber.App) {
	setup(app, NewHttpRouter(), NewApiRouter())
}

func setup(app *fiber.App, routers ...Router) {
	for _, r := range routers {
		r.InstallRouter(app)
	}
	// clients only speak JSON, including for unknown paths
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "path": c.Path()})
	})
}

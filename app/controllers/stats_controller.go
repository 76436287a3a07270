package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// HandleAdminStats returns the cached overview together with the running
// outcome counters and job queue depths. ?refresh=true recomputes the overview.
func HandleAdminStats(c *fiber.Ctx) error {
	if services.Stats == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "not_configured", "statistics are not configured")
	}
	ctx := c.UserContext()

	if c.QueryBool("refresh") {
		if err := services.Stats.Invalidate(ctx); err != nil {
			log.Warnf("[Stats] Invalidate failed: %v", err)
		}
	}
	overview, err := services.Stats.Overview(ctx)
	if err != nil {
		log.Errorf("[Stats] Overview failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load statistics")
	}

	resp := fiber.Map{"overview": overview}
	if services.Counters != nil {
		counters, err := services.Counters.Snapshot(ctx)
		if err != nil {
			log.Warnf("[Stats] Counter snapshot failed: %v", err)
		} else {
			resp["counters"] = counters
		}
	}
	if services.Jobs != nil {
		if jobs, err := services.Jobs.Depths(ctx); err != nil {
			log.Warnf("[Stats] Job queue depths failed: %v", err)
		} else {
			resp["jobs"] = jobs
		}
	}
	return c.JSON(resp)
}

package apiv1

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/ManuelReschke/storekeeper/app/controllers"
)

// Pong is the body of GET /api/v1/ping.
type Pong struct {
	Ping string `json:"ping"`
}

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// ServerInterface lists the v1 operations documented in public/docs/v1/openapi.yml.
type ServerInterface interface {
	GetPing(c *fiber.Ctx) error
	GetHealth(c *fiber.Ctx) error
	PostPurchaseAction(c *fiber.Ctx) error
	PostDevice(c *fiber.Ctx) error
	DeleteDevice(c *fiber.Ctx) error
	PostGooglePlayWebhook(c *fiber.Ctx) error
	PostCampaign(c *fiber.Ctx) error
	ListCampaigns(c *fiber.Ctx) error
	GetCampaign(c *fiber.Ctx, id uint) error
	DispatchCampaign(c *fiber.Ctx, id uint) error
	CancelCampaign(c *fiber.Ctx, id uint) error
	GetStats(c *fiber.Ctx) error
}

// Guards are the per-group middlewares RegisterHandlers attaches.
type Guards struct {
	APIKey  fiber.Handler
	Admin   fiber.Handler
	Webhook fiber.Handler
}

// APIServer implements the ServerInterface
type APIServer struct {
	checks map[string]HealthCheck
}

// NewAPIServer creates a new API server instance
func NewAPIServer(checks map[string]HealthCheck) *APIServer {
	return &APIServer{checks: checks}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// GetHealth runs every registered check with a short deadline.
func (s *APIServer) GetHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	return c.Status(status).JSON(fiber.Map{"healthy": status == fiber.StatusOK, "checks": results})
}

func (s *APIServer) PostPurchaseAction(c *fiber.Ctx) error {
	return controllers.HandlePurchaseAction(c)
}

func (s *APIServer) PostDevice(c *fiber.Ctx) error {
	return controllers.HandleRegisterDevice(c)
}

func (s *APIServer) DeleteDevice(c *fiber.Ctx) error {
	return controllers.HandleUnregisterDevice(c)
}

func (s *APIServer) PostGooglePlayWebhook(c *fiber.Ctx) error {
	return controllers.HandleGooglePlayWebhook(c)
}

func (s *APIServer) PostCampaign(c *fiber.Ctx) error {
	return controllers.HandleCreateCampaign(c)
}

func (s *APIServer) ListCampaigns(c *fiber.Ctx) error {
	return controllers.HandleListCampaigns(c)
}

// The campaign controllers read :id themselves; the wrapper has already
// rejected anything that is not a positive integer.
func (s *APIServer) GetCampaign(c *fiber.Ctx, id uint) error {
	return controllers.HandleGetCampaign(c)
}

func (s *APIServer) DispatchCampaign(c *fiber.Ctx, id uint) error {
	return controllers.HandleDispatchCampaign(c)
}

func (s *APIServer) CancelCampaign(c *fiber.Ctx, id uint) error {
	return controllers.HandleCancelCampaign(c)
}

func (s *APIServer) GetStats(c *fiber.Ctx) error {
	return controllers.HandleAdminStats(c)
}

// RegisterHandlers mounts the v1 routes on r.
func RegisterHandlers(r fiber.Router, si ServerInterface, g Guards) {
	r.Get("/ping", si.GetPing)

	r.Post("/purchases", g.APIKey, si.PostPurchaseAction)
	r.Post("/devices", g.APIKey, si.PostDevice)
	r.Delete("/devices", g.APIKey, si.DeleteDevice)

	r.Post("/webhooks/google-play", g.Webhook, si.PostGooglePlayWebhook)

	admin := r.Group("/admin", g.APIKey, g.Admin)
	admin.Post("/campaigns", si.PostCampaign)
	admin.Get("/campaigns", si.ListCampaigns)
	admin.Get("/campaigns/:id", withID(si.GetCampaign))
	admin.Post("/campaigns/:id/dispatch", withID(si.DispatchCampaign))
	admin.Post("/campaigns/:id/cancel", withID(si.CancelCampaign))
	admin.Get("/stats", si.GetStats)
}

func withID(h func(c *fiber.Ctx, id uint) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := strconv.ParseUint(c.Params("id"), 10, 64)
		if err != nil || id == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid id"})
		}
		return h(c, uint(id))
	}
}

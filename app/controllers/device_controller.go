package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/storekeeper/internal/pkg/usercontext"
)

// DeviceRequest registers or removes a push token for the caller.
type DeviceRequest struct {
	Token    string `json:"token" validate:"required,max=255"`
	Platform string `json:"platform" validate:"required,oneof=ios android web"`
}

// HandleRegisterDevice stores the caller's FCM token, reactivating it if it
// was pruned earlier.
func HandleRegisterDevice(c *fiber.Ctx) error {
	userID := usercontext.UserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing API key")
	}

	var req DeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", validationMessage(err))
	}

	device, created, err := services.Devices.Register(c.UserContext(), userID, req.Token, req.Platform)
	if err != nil {
		log.Errorf("[Devices] Register for user %d failed: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to register device")
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"id":        device.ID,
		"platform":  device.Platform,
		"is_active": device.IsActive,
		"created":   created,
	})
}

// HandleUnregisterDevice deactivates a token on logout.
func HandleUnregisterDevice(c *fiber.Ctx) error {
	userID := usercontext.UserID(c)
	if userID == 0 {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing API key")
	}

	var req struct {
		Token string `json:"token" validate:"required,max=255"`
	}
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", validationMessage(err))
	}

	ok, err := services.Devices.Unregister(c.UserContext(), userID, req.Token)
	if err != nil {
		log.Errorf("[Devices] Unregister for user %d failed: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to unregister device")
	}
	if !ok {
		return jsonError(c, fiber.StatusNotFound, "not_found", "device token not registered")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

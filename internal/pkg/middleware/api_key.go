package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/app/repository"
	"github.com/ManuelReschke/storekeeper/internal/pkg/usercontext"
)

// APIKeyAuthMiddleware resolves the presented key to a Caller. Keys come from
// X-API-Key or an Authorization bearer token.
func APIKeyAuthMiddleware(repo repository.UserRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := presentedKey(c)
		if raw == "" {
			return jsonStatus(c, fiber.StatusUnauthorized, "unauthorized", "Missing API key")
		}

		ctx := c.UserContext()
		user, settings, err := repo.GetByAPIKeyHash(ctx, models.HashAPIKey(raw))
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return jsonStatus(c, fiber.StatusUnauthorized, "unauthorized", "Invalid API key")
		case err != nil:
			log.Errorf("[Auth] API key lookup failed: %v", err)
			return jsonStatus(c, fiber.StatusInternalServerError, "internal_server_error", "API key verification failed")
		}
		if !user.IsActive() {
			return jsonStatus(c, fiber.StatusForbidden, "forbidden", "User inactive")
		}

		if err := repo.TouchAPIKey(ctx, settings.ID, time.Now()); err != nil {
			log.Warnf("[Auth] Recording key use for user %d failed: %v", user.ID, err)
		}

		usercontext.Set(c, usercontext.Caller{
			UserID:    user.ID,
			Name:      user.Name,
			IsAdmin:   user.Role == models.ROLE_ADMIN,
			Plan:      user.Plan,
			KeyPrefix: settings.APIKeyPrefix,
		})
		return c.Next()
	}
}

func presentedKey(c *fiber.Ctx) string {
	if key := strings.TrimSpace(c.Get("X-API-Key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func jsonStatus(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

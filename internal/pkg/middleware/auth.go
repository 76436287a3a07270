package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/storekeeper/internal/pkg/usercontext"
)

// RequireAdmin must run after APIKeyAuthMiddleware. Non-admin keys get 403.
func RequireAdmin(c *fiber.Ctx) error {
	caller, ok := usercontext.From(c)
	if !ok {
		return jsonStatus(c, fiber.StatusUnauthorized, "unauthorized", "Missing API key")
	}
	if !caller.IsAdmin {
		return jsonStatus(c, fiber.StatusForbidden, "forbidden", "Admin API key required")
	}
	return c.Next()
}

// RequireWebhookToken checks the shared secret configured on the Pub/Sub push
// subscription, passed as ?token= or X-Webhook-Token. An empty secret
// rejects every delivery.
func RequireWebhookToken(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		presented := c.Query("token")
		if presented == "" {
			presented = c.Get("X-Webhook-Token")
		}
		if !tokenMatches(presented, secret) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_token"})
		}
		return c.Next()
	}
}

func tokenMatches(presented, secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(secret)) == 1
}

package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/storekeeper/internal/pkg/billing"
)

const webhookTimeout = 20 * time.Second

// HandleGooglePlayWebhook receives Play Real-Time Developer Notifications
// through a Pub/Sub push subscription. Any non-2xx makes Pub/Sub redeliver,
// so only an undecodable envelope is rejected.
func HandleGooglePlayWebhook(c *fiber.Ctx) error {
	if services.Webhooks == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "webhooks_not_configured"})
	}

	body := append([]byte(nil), c.BodyRaw()...)
	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	ack, err := services.Webhooks.Ingest(ctx, body)
	if err != nil {
		if errors.Is(err, billing.ErrMalformedEnvelope) {
			log.Warnf("[Webhook] Rejected malformed delivery from %s: %v", ClientIP(c), err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		log.Errorf("[Webhook] Delivery failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_failed"})
	}

	if services.Counters != nil {
		if err := services.Counters.AddWebhook(c.UserContext(), ack.Kind.String(), ack.Action); err != nil {
			log.Warnf("[Webhook] Recording outcome failed: %v", err)
		}
	}

	return c.JSON(fiber.Map{
		"ok":         true,
		"message_id": ack.MessageID,
		"kind":       ack.Kind.String(),
		"action":     ack.Action,
	})
}

package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/internal/pkg/apierror"
	"github.com/ManuelReschke/InboxGate/internal/pkg/webhook"
)

// WebhookSignature rejects inbound webhooks whose X-Webhook-Signature does not
// match the HMAC of the raw body. Nothing after it runs for unsigned bodies.
func WebhookSignature(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(webhook.SignatureHeader)
		if header == "" {
			return apierror.Respond(c, fiber.StatusUnauthorized, apierror.CodeMissingSignature, "Webhook signature required", nil)
		}

		err := webhook.Verify(c.Body(), header, secret)
		switch {
		case err == nil:
			return c.Next()
		case errors.Is(err, webhook.ErrNoSecret):
			log.Error("[Webhook] inbound webhook rejected: WEBHOOK_SECRET is not configured")
		}
		return apierror.Respond(c, fiber.StatusForbidden, apierror.CodeInvalidSignature, "Invalid webhook signature", nil)
	}
}

package controllers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/internal/pkg/apierror"
	"github.com/ManuelReschke/InboxGate/internal/pkg/webhook"
)

// WebhookController handles inbound events. Signature checks run in
// middleware before any handler here.
type WebhookController struct {
	OutboundConfigured bool
}

func NewWebhookController(outboundURL string) *WebhookController {
	return &WebhookController{OutboundConfigured: outboundURL != ""}
}

func (w *WebhookController) HandleReceive(c *fiber.Ctx) error {
	env, err := webhook.DecodeEnvelope(c.Body())
	if err != nil {
		if errors.Is(err, webhook.ErrUnknownEventType) {
			return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeUnknownEventType, "Unknown event type", err)
		}
		return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeInvalidPayload, "Invalid webhook payload", err)
	}

	switch ev := env.Data.(type) {
	case *webhook.RegistrationEvent:
		log.Infof("[Webhook] received registration for %s (client %s)", ev.RegistrationData.GmailAddress, env.ClientID)
	case *webhook.WatchRenewalEvent:
		log.Infof("[Webhook] received watch renewal for %s, history %s", ev.ClientData.GmailAddress, ev.RenewalData.NewHistoryID)
	case *webhook.TokenRefreshEvent:
		log.Infof("[Webhook] received token refresh for %s", ev.ClientData.GmailAddress)
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"message":   "Webhook processed successfully",
		"eventType": env.EventType,
		"clientId":  env.ClientID,
	})
}

func (w *WebhookController) HandleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":             "active",
		"timestamp":          time.Now().UTC(),
		"outboundConfigured": w.OutboundConfigured,
		"supportedEvents": []webhook.EventType{
			webhook.EventRegistration,
			webhook.EventWatchRenewal,
			webhook.EventTokenRefresh,
		},
	})
}

type webhookTestRequest struct {
	TestData json.RawMessage `json:"testData"`
}

// HandleTest lets automation systems check their signing setup.
func (w *WebhookController) HandleTest(c *fiber.Ctx) error {
	var in webhookTestRequest
	if err := json.Unmarshal(c.Body(), &in); err != nil {
		return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeWebhookTest, "Webhook test failed", err)
	}
	return c.JSON(fiber.Map{
		"success":      true,
		"message":      "Webhook test successful",
		"receivedData": in.TestData,
		"timestamp":    time.Now().UTC(),
	})
}

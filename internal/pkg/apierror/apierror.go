package apierror

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/internal/pkg/env"
)

// Stable machine-readable error codes.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeConsentRequired      = "CONSENT_REQUIRED"
	CodePreRegistration      = "PRE_REGISTRATION_ERROR"
	CodeOAuthInit            = "OAUTH_INIT_ERROR"
	CodeOAuthDenied          = "OAUTH_DENIED"
	CodeOAuthInvalidCallback = "OAUTH_INVALID_CALLBACK"
	CodeOAuthInvalidState    = "OAUTH_INVALID_STATE"
	CodeRegistration         = "REGISTRATION_ERROR"
	CodeMissingClientID      = "MISSING_CLIENT_ID"
	CodeClientNotFound       = "CLIENT_NOT_FOUND"
	CodeRevoke               = "REVOKE_ERROR"
	CodeMissingToken         = "MISSING_TOKEN"
	CodeInvalidToken         = "INVALID_TOKEN"
	CodeMissingSignature     = "MISSING_SIGNATURE"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeUnknownEventType     = "UNKNOWN_EVENT_TYPE"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeFetchClients         = "FETCH_CLIENTS_ERROR"
	CodeFetchClient          = "FETCH_CLIENT_ERROR"
	CodeFetchAuditLogs       = "FETCH_AUDIT_LOGS_ERROR"
	CodeUpdateClient         = "UPDATE_CLIENT_ERROR"
	CodeEmailTaken           = "EMAIL_TAKEN"
	CodeFetchStats           = "FETCH_STATS_ERROR"
	CodeSearchClients        = "SEARCH_CLIENTS_ERROR"
	CodeWebhookTest          = "WEBHOOK_TEST_ERROR"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
)

// Respond writes {"error", "code"} and, when APP_ENV=dev, the underlying
// error as "details".
func Respond(c *fiber.Ctx, status int, code, message string, err error) error {
	body := fiber.Map{
		"error": message,
		"code":  code,
	}
	if err != nil {
		if status >= fiber.StatusInternalServerError {
			log.Errorf("[API] %s %s: %s: %v", c.Method(), c.Path(), code, err)
		}
		if env.IsDev() {
			body["details"] = err.Error()
		}
	}
	return c.Status(status).JSON(body)
}

// Handler is the fiber error handler for errors no route handled itself.
func Handler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		switch fe.Code {
		case fiber.StatusNotFound:
			return Respond(c, fe.Code, CodeNotFound, "Route not found", nil)
		case fiber.StatusTooManyRequests:
			return Respond(c, fe.Code, CodeRateLimitExceeded, "Too many requests, please try again later", nil)
		}
		if fe.Code < fiber.StatusInternalServerError {
			return Respond(c, fe.Code, CodeValidation, fe.Message, nil)
		}
	}
	return Respond(c, fiber.StatusInternalServerError, CodeInternal, "Internal server error", err)
}

package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/InboxGate/internal/pkg/apierror"
	"github.com/ManuelReschke/InboxGate/internal/pkg/clientcontext"
	"github.com/ManuelReschke/InboxGate/internal/pkg/security"
)

// ClientAuth authenticates requests carrying the bearer token issued at the
// end of a registration.
func ClientAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if token == "" {
			return apierror.Respond(c, fiber.StatusUnauthorized, apierror.CodeMissingToken, "Access token required", nil)
		}

		claims, err := security.VerifyClientToken(token, secret)
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, security.ErrTokenExpired) {
				msg = "Token expired"
			}
			return apierror.Respond(c, fiber.StatusForbidden, apierror.CodeInvalidToken, msg, err)
		}

		clientcontext.Set(c, claims)
		return c.Next()
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

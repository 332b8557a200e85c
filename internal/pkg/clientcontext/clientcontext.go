package clientcontext

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/InboxGate/internal/pkg/security"
)

// Locals keys set by the authentication middleware.
const (
	KeyClaims   = "client_claims"
	KeyClientID = "client_id"
)

func Set(c *fiber.Ctx, claims *security.ClientTokenClaims) {
	c.Locals(KeyClaims, claims)
	c.Locals(KeyClientID, claims.ClientID)
}

// Claims returns the verified token claims, or nil for anonymous requests.
func Claims(c *fiber.Ctx) *security.ClientTokenClaims {
	if v, ok := c.Locals(KeyClaims).(*security.ClientTokenClaims); ok {
		return v
	}
	return nil
}

func ClientID(c *fiber.Ctx) string {
	if v, ok := c.Locals(KeyClientID).(string); ok {
		return v
	}
	return ""
}

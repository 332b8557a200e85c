package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/InboxGate/app/controllers"
	"github.com/ManuelReschke/InboxGate/internal/pkg/apierror"
	"github.com/ManuelReschke/InboxGate/internal/pkg/constants"
	"github.com/ManuelReschke/InboxGate/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	cfg := h.deps.Config
	app.Use(constants.APIRoute, limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return controllers.GetClientIP(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return apierror.Respond(c, fiber.StatusTooManyRequests, apierror.CodeRateLimitExceeded, "Too many requests, please try again later", nil)
		},
	}))

	auth := app.Group(constants.AuthRoute)
	auth.Post("/pre-register", h.deps.Auth.HandlePreRegister)
	auth.Get("/google", h.deps.Auth.HandleGoogleAuth)
	auth.Get("/google/callback", h.deps.Auth.HandleGoogleCallback)
	auth.Post("/revoke", h.deps.Auth.HandleRevoke)

	clients := app.Group(constants.ClientsRoute, middleware.ClientAuth(cfg.JWTSecret))
	clients.Get("/", h.deps.Clients.HandleList)
	clients.Get("/stats/overview", h.deps.Clients.HandleStats)
	clients.Get("/search/:query", h.deps.Clients.HandleSearch)
	clients.Get("/:id", h.deps.Clients.HandleGet)
	clients.Get("/:id/audit-logs", h.deps.Clients.HandleAuditLogs)
	clients.Put("/:id", h.deps.Clients.HandleUpdate)

	hooks := app.Group(constants.WebhooksRoute)
	signed := middleware.WebhookSignature(cfg.Webhook.Secret)
	hooks.Post("/receive", signed, h.deps.Webhooks.HandleReceive)
	hooks.Post("/test", signed, h.deps.Webhooks.HandleTest)
	hooks.Get("/status", h.deps.Webhooks.HandleStatus)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}

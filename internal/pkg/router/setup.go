package router

import (
	"encoding/base64"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/encryptcookie"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/ManuelReschke/InboxGate/app/controllers"
	"github.com/ManuelReschke/InboxGate/internal/pkg/apierror"
	"github.com/ManuelReschke/InboxGate/internal/pkg/config"
	"github.com/ManuelReschke/InboxGate/internal/pkg/security"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps are the handlers and settings the routes are built from.
type Deps struct {
	Config         *config.Config
	Auth           *controllers.AuthController
	Clients        *controllers.ClientController
	Webhooks       *controllers.WebhookController
	Health         *controllers.HealthController
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, deps Deps) {
	installMiddleware(app, deps.Config)
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))

	// Anything not matched above.
	app.Use(func(c *fiber.Ctx) error {
		return apierror.Respond(c, fiber.StatusNotFound, apierror.CodeNotFound, "Route not found", nil)
	})
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}

func installMiddleware(app *fiber.App, cfg *config.Config) {
	app.Use(requestid.New())
	app.Use(helmet.New())
	// fiber refuses credentials together with a wildcard origin
	origins := strings.Join(cfg.CORSOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Webhook-Signature",
		AllowCredentials: origins != "*",
	}))

	key, err := cookieKey(cfg.SessionSecret)
	if err != nil {
		log.Warnf("[Router] cookie encryption disabled: %v", err)
		return
	}
	app.Use(encryptcookie.New(encryptcookie.Config{Key: key}))
}

// cookieKey derives the base64 AES key encryptcookie expects from SESSION_SECRET.
func cookieKey(secret string) (string, error) {
	raw, err := security.DeriveKey(secret, "inboxgate-cookie")
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/InboxGate/internal/pkg/constants"
)

// HttpRouter serves the routes outside /api.
type HttpRouter struct {
	deps Deps
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.PublicRoute, h.deps.Health.HandleRoot)
	app.Get(constants.HealthRoute, h.deps.Health.HandleHealth)
}

func NewHttpRouter(deps Deps) *HttpRouter {
	return &HttpRouter{deps: deps}
}

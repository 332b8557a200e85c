package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/InboxGate/internal/pkg/constants"
	"github.com/ManuelReschke/InboxGate/internal/pkg/scheduler"
)

const Version = "1.0.0"

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthController struct {
	DB        *gorm.DB
	Cache     Pinger
	Scheduler *scheduler.Manager
	started   time.Time
}

func NewHealthController(db *gorm.DB, cache Pinger, sched *scheduler.Manager) *HealthController {
	return &HealthController{DB: db, Cache: cache, Scheduler: sched, started: time.Now()}
}

// HandleHealth reports liveness plus the state of the database, cache and
// scheduler. Only a database failure makes the service unhealthy.
func (h *HealthController) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status, code := "healthy", fiber.StatusOK
	checks := fiber.Map{}

	if err := h.pingDB(ctx); err != nil {
		status, code = "unhealthy", fiber.StatusServiceUnavailable
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	if h.Cache != nil {
		if err := h.Cache.Ping(ctx); err != nil {
			checks["cache"] = err.Error()
			if code == fiber.StatusOK {
				status = "degraded"
			}
		} else {
			checks["cache"] = "ok"
		}
	}

	body := fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"version":   Version,
		"checks":    checks,
	}
	if h.Scheduler != nil {
		body["scheduler"] = h.Scheduler.Status()
	}
	return c.Status(code).JSON(body)
}

func (h *HealthController) pingDB(ctx context.Context) error {
	if h.DB == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// HandleRoot describes the service.
func (h *HealthController) HandleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":    "InboxGate",
		"message": "Gmail agent registration service",
		"version": Version,
		"endpoints": fiber.Map{
			"health":   constants.HealthRoute,
			"auth":     constants.AuthRoute,
			"clients":  constants.ClientsRoute,
			"webhooks": constants.WebhooksRoute,
			"docs":     constants.DocsRoute,
		},
	})
}

package controllers

import (
	"errors"
	"math"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/InboxGate/app/models"
	"github.com/ManuelReschke/InboxGate/app/repository"
	"github.com/ManuelReschke/InboxGate/internal/pkg/apierror"
	"github.com/ManuelReschke/InboxGate/internal/pkg/registration"
)

// ClientController serves the bearer-protected client management endpoints.
type ClientController struct {
	Clients      repository.ClientRepository
	AuditLogs    repository.AuditLogRepository
	Registration *registration.Service
}

func NewClientController(repos *repository.Repositories, svc *registration.Service) *ClientController {
	return &ClientController{Clients: repos.Client, AuditLogs: repos.AuditLog, Registration: svc}
}

func (cc *ClientController) HandleList(c *fiber.Ctx) error {
	page, limit, offset := parsePage(c, defaultClientPageSize)
	filter := repository.ClientFilter{Status: c.Query("status")}

	clients, total, err := cc.Clients.List(c.UserContext(), filter, offset, limit)
	if err != nil {
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeFetchClients, "Failed to fetch clients", err)
	}
	return c.JSON(fiber.Map{
		"clients":    clients,
		"pagination": newPagination(page, limit, total),
	})
}

func (cc *ClientController) HandleGet(c *fiber.Ctx) error {
	client, err := cc.Clients.FindByID(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierror.Respond(c, fiber.StatusNotFound, apierror.CodeClientNotFound, "Client not found", nil)
		}
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeFetchClient, "Failed to fetch client", err)
	}
	return c.JSON(fiber.Map{"client": client})
}

func (cc *ClientController) HandleAuditLogs(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := cc.Clients.FindByID(c.UserContext(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierror.Respond(c, fiber.StatusNotFound, apierror.CodeClientNotFound, "Client not found", nil)
		}
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeFetchAuditLogs, "Failed to fetch audit logs", err)
	}

	page, limit, offset := parsePage(c, defaultAuditPageSize)
	logs, total, err := cc.AuditLogs.ListByClient(c.UserContext(), id, offset, limit)
	if err != nil {
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeFetchAuditLogs, "Failed to fetch audit logs", err)
	}
	return c.JSON(fiber.Map{
		"auditLogs":  logs,
		"pagination": newPagination(page, limit, total),
	})
}

func (cc *ClientController) HandleUpdate(c *fiber.Ctx) error {
	var in registration.ProfileUpdate
	if err := c.BodyParser(&in); err != nil {
		return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeValidation, "Invalid request body", err)
	}

	client, err := cc.Registration.UpdateProfile(c.UserContext(), c.Params("id"), in, requestMeta(c))
	if err != nil {
		var verr *registration.ValidationError
		switch {
		case errors.As(err, &verr):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "Validation failed",
				"code":    apierror.CodeValidation,
				"details": verr.Fields,
			})
		case errors.Is(err, repository.ErrNotFound):
			return apierror.Respond(c, fiber.StatusNotFound, apierror.CodeClientNotFound, "Client not found", nil)
		case errors.Is(err, registration.ErrEmailTaken):
			return apierror.Respond(c, fiber.StatusConflict, apierror.CodeEmailTaken, "Email is already in use", nil)
		}
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeUpdateClient, "Failed to update client", err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Client updated successfully",
		"client":  client,
	})
}

// Stats is the aggregate overview of all clients.
type Stats struct {
	TotalClients        int64   `json:"totalClients"`
	ActiveClients       int64   `json:"activeClients"`
	PendingClients      int64   `json:"pendingClients"`
	FailedClients       int64   `json:"failedClients"`
	ExpiredClients      int64   `json:"expiredClients"`
	RecentRegistrations int64   `json:"recentRegistrations"`
	WebhookDeliveryRate float64 `json:"webhookDeliveryRate"`
}

func (cc *ClientController) HandleStats(c *fiber.Ctx) error {
	stats, err := cc.stats(c)
	if err != nil {
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeFetchStats, "Failed to fetch statistics", err)
	}
	return c.JSON(fiber.Map{"stats": stats})
}

func (cc *ClientController) stats(c *fiber.Ctx) (*Stats, error) {
	ctx := c.UserContext()
	weekAgo := time.Now().AddDate(0, 0, -7)
	delivered := true

	var s Stats
	counts := []struct {
		dst    *int64
		filter repository.ClientFilter
	}{
		{&s.TotalClients, repository.ClientFilter{}},
		{&s.ActiveClients, repository.ClientFilter{Status: models.RegistrationStatusCompleted}},
		{&s.PendingClients, repository.ClientFilter{Status: models.RegistrationStatusPending}},
		{&s.FailedClients, repository.ClientFilter{Status: models.RegistrationStatusFailed}},
		{&s.ExpiredClients, repository.ClientFilter{Status: models.RegistrationStatusExpired}},
		{&s.RecentRegistrations, repository.ClientFilter{CreatedSince: &weekAgo}},
	}
	for _, q := range counts {
		n, err := cc.Clients.Count(ctx, q.filter)
		if err != nil {
			return nil, err
		}
		*q.dst = n
	}

	if s.TotalClients > 0 {
		n, err := cc.Clients.Count(ctx, repository.ClientFilter{WebhookDelivered: &delivered})
		if err != nil {
			return nil, err
		}
		s.WebhookDeliveryRate = math.Round(float64(n)/float64(s.TotalClients)*10000) / 100
	}
	return &s, nil
}

func (cc *ClientController) HandleSearch(c *fiber.Ctx) error {
	query, err := url.PathUnescape(c.Params("query"))
	if err != nil {
		query = c.Params("query")
	}
	page, limit, offset := parsePage(c, defaultClientPageSize)

	clients, total, err := cc.Clients.Search(c.UserContext(), query, offset, limit)
	if err != nil {
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeSearchClients, "Failed to search clients", err)
	}
	return c.JSON(fiber.Map{
		"clients":    clients,
		"query":      query,
		"pagination": newPagination(page, limit, total),
	})
}

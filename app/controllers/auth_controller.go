package controllers

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/app/repository"
	"github.com/ManuelReschke/InboxGate/internal/pkg/apierror"
	"github.com/ManuelReschke/InboxGate/internal/pkg/constants"
	"github.com/ManuelReschke/InboxGate/internal/pkg/registration"
)

// StateCookie carries the pending registration state between pre-register
// and the OAuth redirect. The router encrypts it.
const StateCookie = "registration_state"

type AuthController struct {
	Registration *registration.Service
	StateTTL     time.Duration
	SecureCookie bool
}

func NewAuthController(svc *registration.Service, stateTTL time.Duration, secureCookie bool) *AuthController {
	return &AuthController{Registration: svc, StateTTL: stateTTL, SecureCookie: secureCookie}
}

// HandlePreRegister validates the registration form and stores it until the callback.
func (a *AuthController) HandlePreRegister(c *fiber.Ctx) error {
	var in registration.PreRegistration
	if err := c.BodyParser(&in); err != nil {
		return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeValidation, "Invalid request body", err)
	}

	state, err := a.Registration.PreRegister(c.UserContext(), in, requestMeta(c))
	if err != nil {
		var verr *registration.ValidationError
		switch {
		case errors.As(err, &verr):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "Validation failed",
				"code":    apierror.CodeValidation,
				"details": verr.Fields,
			})
		case errors.Is(err, registration.ErrConsentRequired):
			return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeConsentRequired, "Consent to data processing is required", nil)
		}
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodePreRegistration, "Pre-registration failed", err)
	}

	a.setStateCookie(c, state)
	return c.JSON(fiber.Map{
		"success":  true,
		"message":  "Registration data validated. Proceed to Google authorization.",
		"state":    state,
		"nextStep": constants.GoogleAuthRoute + "?state=" + state,
	})
}

// HandleGoogleAuth returns the consent URL for the pending registration.
func (a *AuthController) HandleGoogleAuth(c *fiber.Ctx) error {
	state := c.Query("state")
	if state == "" {
		state = c.Cookies(StateCookie)
	}

	auth, err := a.Registration.BeginAuthorization(c.UserContext(), state, requestMeta(c))
	if err != nil {
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeOAuthInit, "Failed to initiate OAuth flow", err)
	}

	a.setStateCookie(c, auth.State)
	return c.JSON(fiber.Map{
		"authUrl": auth.AuthURL,
		"state":   auth.State,
	})
}

// HandleGoogleCallback completes the registration for the authorized account.
func (a *AuthController) HandleGoogleCallback(c *fiber.Ctx) error {
	if reason := c.Query("error"); reason != "" {
		log.Warnf("[Auth] OAuth consent denied: %s", reason)
		return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeOAuthDenied, "Authorization was denied: "+reason, nil)
	}

	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeOAuthInvalidCallback, "Missing authorization code or state", nil)
	}

	// The browser that started the flow must finish it.
	if cookie := c.Cookies(StateCookie); cookie != "" && subtle.ConstantTimeCompare([]byte(cookie), []byte(state)) != 1 {
		log.Warn("[Auth] callback state does not match the state cookie")
		return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeOAuthInvalidState, "Invalid or expired state parameter", nil)
	}

	out, err := a.Registration.CompleteAuthorization(c.UserContext(), state, code, requestMeta(c))
	if err != nil {
		if errors.Is(err, registration.ErrInvalidState) {
			return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeOAuthInvalidState, "Invalid or expired state parameter", nil)
		}
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeRegistration, "Registration failed", err)
	}

	c.ClearCookie(StateCookie)
	return c.JSON(fiber.Map{
		"success":           true,
		"message":           "Registration completed successfully",
		"client":            out.Client.Summary(),
		"token":             out.Token,
		"watchSubscription": out.Watch,
		"webhookDelivered":  out.Webhook.Success,
	})
}

type revokeRequest struct {
	ClientID string `json:"clientId"`
}

// HandleRevoke expires a client and revokes its Google grant.
func (a *AuthController) HandleRevoke(c *fiber.Ctx) error {
	var in revokeRequest
	if err := c.BodyParser(&in); err != nil || in.ClientID == "" {
		return apierror.Respond(c, fiber.StatusBadRequest, apierror.CodeMissingClientID, "Client ID is required", nil)
	}

	if err := a.Registration.Revoke(c.UserContext(), in.ClientID, requestMeta(c)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierror.Respond(c, fiber.StatusNotFound, apierror.CodeClientNotFound, "Client not found", nil)
		}
		return apierror.Respond(c, fiber.StatusInternalServerError, apierror.CodeRevoke, "Failed to revoke access", err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Access revoked successfully",
	})
}

func (a *AuthController) setStateCookie(c *fiber.Ctx, state string) {
	c.Cookie(&fiber.Cookie{
		Name:     StateCookie,
		Value:    state,
		Path:     constants.AuthRoute,
		Expires:  time.Now().Add(a.StateTTL),
		HTTPOnly: true,
		Secure:   a.SecureCookie,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

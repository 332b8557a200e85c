package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/app/models"
	"github.com/ManuelReschke/InboxGate/app/repository"
	"github.com/ManuelReschke/InboxGate/internal/pkg/audit"
	"github.com/ManuelReschke/InboxGate/internal/pkg/gmail"
	"github.com/ManuelReschke/InboxGate/internal/pkg/lock"
	"github.com/ManuelReschke/InboxGate/internal/pkg/oauth"
	"github.com/ManuelReschke/InboxGate/internal/pkg/pending"
	"github.com/ManuelReschke/InboxGate/internal/pkg/security"
	"github.com/ManuelReschke/InboxGate/internal/pkg/webhook"
)

var (
	ErrConsentRequired = errors.New("consent to data processing is required")
	ErrInvalidState    = errors.New("invalid or expired state parameter")
	ErrEmailTaken      = errors.New("email is already used by another client")
)

// IdentityProvider is the subset of the OAuth client the flows need.
type IdentityProvider interface {
	ConsentURL(state string) (string, error)
	ExchangeCode(ctx context.Context, code string) (*oauth.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth.RefreshedToken, error)
	Revoke(ctx context.Context, token string) error
}

// WatchService manages Gmail push subscriptions.
type WatchService interface {
	CreateWatch(ctx context.Context, accessToken, mailbox string) (*gmail.Subscription, error)
	RenewWatch(ctx context.Context, accessToken, mailbox string) (*gmail.Subscription, error)
	StopWatch(ctx context.Context, accessToken string) error
	Profile(ctx context.Context, accessToken string) (*gmail.Profile, error)
}

// Notifier delivers outbound webhook events.
type Notifier interface {
	Deliver(ctx context.Context, clientID string, event webhook.Event) webhook.Result
}

type Options struct {
	TokenSecret          string
	TokenTTL             time.Duration
	PendingTTL           time.Duration
	MailboxDomains       []string
	PrivacyPolicyVersion string
	WatchTopic           string
}

type Deps struct {
	Clients  repository.ClientRepository
	Recorder audit.Recorder
	Provider IdentityProvider
	Watches  WatchService
	Notifier Notifier
	Pending  pending.Store
	Locks    *lock.KeyedMutex
}

// Service runs the registration flow from form submission to an authorized client.
type Service struct {
	Deps
	opts     Options
	validate *validator.Validate
	now      func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 30 * time.Minute
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewKeyedMutex()
	}
	return &Service{
		Deps:     deps,
		opts:     opts,
		validate: newValidator(opts.MailboxDomains),
		now:      time.Now,
	}
}

// RequestMeta carries requester details for audit entries. ActorID is the
// authenticated client making the request, if any.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	ActorID   string
}

// PreRegistration is the form submitted before the OAuth redirect.
type PreRegistration struct {
	Name         string `json:"name" form:"name" validate:"required,min=2,max=100"`
	Email        string `json:"email" form:"email" validate:"required,email,max=191"`
	Company      string `json:"company" form:"company" validate:"max=100"`
	GmailAddress string `json:"gmailAddress" form:"gmailAddress" validate:"required,email,mailbox"`
	ConsentGiven bool   `json:"consentGiven" form:"consentGiven"`
}

func (p *PreRegistration) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Company = strings.TrimSpace(p.Company)
	p.GmailAddress = strings.ToLower(strings.TrimSpace(p.GmailAddress))
}

// PreRegister validates the form and stores it under a new state token.
func (s *Service) PreRegister(ctx context.Context, in PreRegistration, meta RequestMeta) (string, error) {
	in.normalize()
	if err := s.check(in); err != nil {
		return "", err
	}
	if !in.ConsentGiven {
		return "", ErrConsentRequired
	}

	state, err := pending.NewState()
	if err != nil {
		return "", err
	}
	reg := pending.Registration{
		Name:         in.Name,
		Email:        in.Email,
		Company:      in.Company,
		GmailAddress: in.GmailAddress,
		ConsentGiven: true,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.Pending.Save(ctx, state, reg, s.opts.PendingTTL); err != nil {
		return "", fmt.Errorf("store pending registration: %w", err)
	}

	s.record(ctx, audit.Success("", models.AuditRegistrationStarted, models.AuditDetails{
		"email":        in.Email,
		"gmailAddress": in.GmailAddress,
	}).WithRequest(meta.IPAddress, meta.UserAgent))

	log.Infof("[Registration] pre-registration stored for %s", in.GmailAddress)
	return state, nil
}

// Authorization is the redirect target for the consent screen.
type Authorization struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

// BeginAuthorization builds the consent URL. An existing state from
// PreRegister is reused; otherwise a new pending entry is created so the
// callback can still complete from the provider identity alone.
func (s *Service) BeginAuthorization(ctx context.Context, state string, meta RequestMeta) (*Authorization, error) {
	if state != "" {
		if _, err := s.Pending.Get(ctx, state); err != nil {
			if !errors.Is(err, pending.ErrNotFound) {
				return nil, err
			}
			state = ""
		}
	}

	if state == "" {
		var err error
		if state, err = pending.NewState(); err != nil {
			return nil, err
		}
		reg := pending.Registration{
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			CreatedAt: s.now().UTC(),
		}
		if err := s.Pending.Save(ctx, state, reg, s.opts.PendingTTL); err != nil {
			return nil, fmt.Errorf("store pending registration: %w", err)
		}
	}

	url, err := s.Provider.ConsentURL(state)
	if err != nil {
		return nil, err
	}
	return &Authorization{AuthURL: url, State: state}, nil
}

// WatchSubscription is reported back to the caller after registration.
type WatchSubscription struct {
	HistoryID string    `json:"historyId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Completion is the outcome of a successful callback.
type Completion struct {
	Client  *models.Client
	Token   string
	Watch   *WatchSubscription
	Webhook webhook.Result
}

// CompleteAuthorization finishes the flow for an OAuth callback. Token
// exchange and persistence are mandatory; watch setup and webhook delivery
// are audited but never fail the request.
func (s *Service) CompleteAuthorization(ctx context.Context, state, code string, meta RequestMeta) (*Completion, error) {
	if state == "" {
		return nil, ErrInvalidState
	}
	reg, err := s.Pending.Get(ctx, state)
	if err != nil {
		if errors.Is(err, pending.ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	tokens, err := s.Provider.ExchangeCode(ctx, code)
	if err != nil {
		s.record(ctx, audit.Failure("", models.AuditRegistrationFailed, err, models.AuditDetails{
			"step":  "token_exchange",
			"email": reg.Email,
		}).WithRequest(meta.IPAddress, meta.UserAgent))
		return nil, err
	}

	// The Gmail profile names the mailbox of record; userinfo is the fallback.
	mailbox := strings.ToLower(tokens.AccountEmail)
	profile, err := s.Watches.Profile(ctx, tokens.AccessToken)
	if err != nil {
		log.Warnf("[Registration] gmail profile unavailable for %s, using the userinfo address: %v", mailbox, err)
	} else {
		mailbox = profile.EmailAddress
	}
	if reg.GmailAddress != "" && reg.GmailAddress != mailbox {
		log.Warnf("[Registration] form mailbox %s differs from authorized account %s, using the authorized account", reg.GmailAddress, mailbox)
	}

	unlock := s.Locks.Lock(mailbox)
	defer unlock()

	// fail audits an aborted attempt before the error reaches the caller.
	fail := func(clientID, step string, err error) error {
		s.record(ctx, audit.Failure(clientID, models.AuditRegistrationFailed, err, models.AuditDetails{
			"step":         step,
			"gmailAddress": mailbox,
		}).WithRequest(meta.IPAddress, meta.UserAgent))
		return err
	}

	client, err := s.buildClient(ctx, reg, tokens, mailbox)
	if err != nil {
		return nil, fail("", "load_client", err)
	}
	stored, err := s.Clients.Upsert(ctx, client)
	if err != nil {
		return nil, fail(client.ID, "persist", err)
	}

	clientID := stored.ID
	s.record(ctx, audit.Success(clientID, models.AuditOAuthAuthorized, models.AuditDetails{
		"gmailAddress": mailbox,
		"scopes":       oauth.Scopes,
	}).WithRequest(meta.IPAddress, meta.UserAgent))

	out := &Completion{}
	if sub, err := s.Watches.CreateWatch(ctx, stored.AccessToken, mailbox); err != nil {
		log.Warnf("[Registration] watch setup failed for %s: %v", mailbox, err)
		s.record(ctx, audit.Failure(clientID, models.AuditWatchCreated, err, nil))
	} else {
		now := s.now().UTC()
		stored.WatchTopic = s.opts.WatchTopic
		stored.WatchHistoryID = sub.HistoryID
		stored.WatchExpiry = &sub.Expiry
		stored.LastRenewalAt = &now
		out.Watch = &WatchSubscription{HistoryID: sub.HistoryID, ExpiresAt: sub.Expiry}
		s.record(ctx, audit.Success(clientID, models.AuditWatchCreated, models.AuditDetails{
			"historyId":  sub.HistoryID,
			"expiration": sub.Expiry,
		}))
		if stored, err = s.Clients.Upsert(ctx, stored); err != nil {
			return nil, fail(clientID, "persist_watch", err)
		}
	}

	out.Webhook = s.Notifier.Deliver(ctx, clientID, webhook.NewRegistrationEvent(stored))
	if out.Webhook.Success {
		now := s.now().UTC()
		stored.WebhookDelivered = true
		stored.WebhookDeliveredAt = &now
		if stored, err = s.Clients.Upsert(ctx, stored); err != nil {
			return nil, fail(clientID, "persist_webhook", err)
		}
	}

	token, err := security.GenerateClientToken(stored.ID, stored.Email, stored.GmailAddress, s.opts.TokenTTL, s.opts.TokenSecret)
	if err != nil {
		return nil, fail(clientID, "issue_token", fmt.Errorf("issue client token: %w", err))
	}

	details := models.AuditDetails{
		"gmailAddress":     stored.GmailAddress,
		"watchCreated":     out.Watch != nil,
		"webhookDelivered": out.Webhook.Success,
	}
	if profile != nil {
		details["messagesTotal"] = profile.MessagesTotal
		details["threadsTotal"] = profile.ThreadsTotal
	}
	s.record(ctx, audit.Success(clientID, models.AuditRegistrationCompleted, details).WithRequest(meta.IPAddress, meta.UserAgent))

	if err := s.Pending.Delete(ctx, state); err != nil {
		log.Warnf("[Registration] failed to clear pending state: %v", err)
	}

	log.Infof("[Registration] completed for %s (client %s)", stored.GmailAddress, stored.ID)
	out.Client = stored
	out.Token = token
	return out, nil
}

// buildClient merges the pending form, any existing record for the mailbox
// and the provider identity into the record to store.
func (s *Service) buildClient(ctx context.Context, reg *pending.Registration, tokens *oauth.Tokens, mailbox string) (*models.Client, error) {
	client, err := s.Clients.FindByMailbox(ctx, mailbox)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		client = &models.Client{}
	case err != nil:
		return nil, err
	}

	client.GmailAddress = mailbox
	client.Name = firstNonEmpty(reg.Name, client.Name, tokens.DisplayName, mailbox)
	client.Email = firstNonEmpty(reg.Email, client.Email, mailbox)
	if reg.Company != "" {
		client.Company = reg.Company
	}

	expiry := tokens.Expiry
	client.AccessToken = tokens.AccessToken
	client.RefreshToken = tokens.RefreshToken
	client.TokenExpiry = &expiry
	client.RegistrationStatus = models.RegistrationStatusCompleted

	now := s.now().UTC()
	client.ConsentGiven = true
	client.ConsentDate = &now
	client.PrivacyPolicyVersion = s.opts.PrivacyPolicyVersion
	return client, nil
}

// Revoke expires a client. Provider revoke and watch stop are best effort.
func (s *Service) Revoke(ctx context.Context, clientID string, meta RequestMeta) error {
	client, err := s.Clients.FindByID(ctx, clientID)
	if err != nil {
		return err
	}

	unlock := s.Locks.Lock(client.GmailAddress)
	defer unlock()

	details := models.AuditDetails{"gmailAddress": client.GmailAddress}

	if client.AccessToken != "" {
		if err := s.Watches.StopWatch(ctx, client.AccessToken); err != nil {
			log.Warnf("[Registration] stop watch for %s failed: %v", client.GmailAddress, err)
			details["stopWatchError"] = err.Error()
		}
	}
	if token := firstNonEmpty(client.RefreshToken, client.AccessToken); token != "" {
		if err := s.Provider.Revoke(ctx, token); err != nil {
			log.Warnf("[Registration] provider revoke for %s failed: %v", client.GmailAddress, err)
			details["revokeError"] = err.Error()
		}
	}

	client.RegistrationStatus = models.RegistrationStatusExpired
	client.WatchExpiry = nil
	if _, err := s.Clients.Upsert(ctx, client); err != nil {
		s.record(ctx, audit.Failure(client.ID, models.AuditClientDeleted, err, details).WithRequest(meta.IPAddress, meta.UserAgent))
		return err
	}

	s.record(ctx, audit.Success(client.ID, models.AuditClientDeleted, details).WithRequest(meta.IPAddress, meta.UserAgent))
	log.Infof("[Registration] client %s revoked", client.ID)
	return nil
}

// ProfileUpdate holds the mutable client fields; nil leaves a field unchanged.
type ProfileUpdate struct {
	Name    *string `json:"name" validate:"omitempty,min=2,max=100"`
	Email   *string `json:"email" validate:"omitempty,email,max=191"`
	Company *string `json:"company" validate:"omitempty,max=100"`
}

func (s *Service) UpdateProfile(ctx context.Context, clientID string, in ProfileUpdate, meta RequestMeta) (*models.Client, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	client, err := s.Clients.FindByID(ctx, clientID)
	if err != nil {
		return nil, err
	}

	unlock := s.Locks.Lock(client.GmailAddress)
	defer unlock()

	changed := []string{}
	if in.Name != nil {
		client.Name = strings.TrimSpace(*in.Name)
		changed = append(changed, "name")
	}
	if in.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*in.Email))
		if email != client.Email {
			other, err := s.Clients.FindByEmail(ctx, email)
			switch {
			case err == nil && other.ID != client.ID:
				return nil, ErrEmailTaken
			case err != nil && !errors.Is(err, repository.ErrNotFound):
				return nil, err
			}
		}
		client.Email = email
		changed = append(changed, "email")
	}
	if in.Company != nil {
		client.Company = strings.TrimSpace(*in.Company)
		changed = append(changed, "company")
	}

	details := models.AuditDetails{"fields": changed}
	if meta.ActorID != "" {
		details["updatedBy"] = meta.ActorID
	}
	stored, err := s.Clients.Upsert(ctx, client)
	if err != nil {
		s.record(ctx, audit.Failure(clientID, models.AuditClientUpdated, err, details).WithRequest(meta.IPAddress, meta.UserAgent))
		return nil, err
	}
	s.record(ctx, audit.Success(clientID, models.AuditClientUpdated, details).WithRequest(meta.IPAddress, meta.UserAgent))
	return stored, nil
}

// record writes an audit entry; the recorder already logs failures.
func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.Recorder == nil {
		return
	}
	_ = s.Recorder.Record(ctx, entry)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

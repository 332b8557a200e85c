package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/InboxGate/app/models"
)

// EventType tags the envelope's data payload.
type EventType string

const (
	EventRegistration EventType = "registration"
	EventWatchRenewal EventType = "watch_renewal"
	EventTokenRefresh EventType = "token_refresh"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

// Event is one variant of the webhook payload union.
type Event interface {
	Type() EventType
}

// Envelope is the wire format for both outbound and inbound webhooks.
type Envelope struct {
	EventType EventType `json:"eventType"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
	Data      Event     `json:"data"`
}

type RegistrationEvent struct {
	RegistrationData RegistrationData `json:"registrationData"`
	Credentials      CredentialData   `json:"credentials"`
	Metadata         RegistrationMeta `json:"metadata"`
}

type RegistrationData struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Company      string `json:"company"`
	GmailAddress string `json:"gmailAddress"`
}

// CredentialData omits raw tokens unless the dispatcher is configured to include them.
type CredentialData struct {
	AccessToken     string     `json:"accessToken,omitempty"`
	RefreshToken    string     `json:"refreshToken,omitempty"`
	HasRefreshToken bool       `json:"hasRefreshToken"`
	ExpiryDate      *time.Time `json:"expiryDate,omitempty"`
}

type RegistrationMeta struct {
	RegisteredAt    time.Time  `json:"registeredAt"`
	WatchHistoryID  string     `json:"watchHistoryId,omitempty"`
	WatchExpiration *time.Time `json:"watchExpiration,omitempty"`
	LastRenewalAt   *time.Time `json:"lastRenewalAt,omitempty"`
}

func (RegistrationEvent) Type() EventType { return EventRegistration }

type WatchRenewalEvent struct {
	RenewalData WatchRenewalData `json:"renewalData"`
	ClientData  ClientRef        `json:"clientData"`
}

type WatchRenewalData struct {
	NewHistoryID  string    `json:"newHistoryId"`
	NewExpiration time.Time `json:"newExpiration"`
	RenewedAt     time.Time `json:"renewedAt"`
}

func (WatchRenewalEvent) Type() EventType { return EventWatchRenewal }

type TokenRefreshEvent struct {
	RefreshData TokenRefreshData `json:"refreshData"`
	ClientData  ClientRef        `json:"clientData"`
}

type TokenRefreshData struct {
	NewAccessToken string    `json:"newAccessToken,omitempty"`
	NewExpiryDate  time.Time `json:"newExpiryDate"`
	RefreshedAt    time.Time `json:"refreshedAt"`
}

func (TokenRefreshEvent) Type() EventType { return EventTokenRefresh }

type ClientRef struct {
	GmailAddress  string     `json:"gmailAddress"`
	Email         string     `json:"email,omitempty"`
	LastRenewalAt *time.Time `json:"lastRenewalAt,omitempty"`
}

// redactable events carry token material that is stripped unless the
// dispatcher is configured to include credentials.
type redactable interface {
	Redacted() Event
}

func (e RegistrationEvent) Redacted() Event {
	e.Credentials.AccessToken = ""
	e.Credentials.RefreshToken = ""
	return e
}

func (e TokenRefreshEvent) Redacted() Event {
	e.RefreshData.NewAccessToken = ""
	return e
}

// NewRegistrationEvent builds the registration payload for a stored client.
func NewRegistrationEvent(c *models.Client) RegistrationEvent {
	return RegistrationEvent{
		RegistrationData: RegistrationData{
			Name:         c.Name,
			Email:        c.Email,
			Company:      c.Company,
			GmailAddress: c.GmailAddress,
		},
		Credentials: CredentialData{
			AccessToken:     c.AccessToken,
			RefreshToken:    c.RefreshToken,
			HasRefreshToken: c.RefreshToken != "",
			ExpiryDate:      c.TokenExpiry,
		},
		Metadata: RegistrationMeta{
			RegisteredAt:    c.CreatedAt,
			WatchHistoryID:  c.WatchHistoryID,
			WatchExpiration: c.WatchExpiry,
			LastRenewalAt:   c.LastRenewalAt,
		},
	}
}

func NewWatchRenewalEvent(c *models.Client, historyID string, expiry time.Time) WatchRenewalEvent {
	return WatchRenewalEvent{
		RenewalData: WatchRenewalData{
			NewHistoryID:  historyID,
			NewExpiration: expiry,
			RenewedAt:     time.Now().UTC(),
		},
		ClientData: ClientRef{
			GmailAddress:  c.GmailAddress,
			LastRenewalAt: c.LastRenewalAt,
		},
	}
}

func NewTokenRefreshEvent(c *models.Client, accessToken string, expiry time.Time) TokenRefreshEvent {
	return TokenRefreshEvent{
		RefreshData: TokenRefreshData{
			NewAccessToken: accessToken,
			NewExpiryDate:  expiry,
			RefreshedAt:    time.Now().UTC(),
		},
		ClientData: ClientRef{
			GmailAddress: c.GmailAddress,
			Email:        c.Email,
		},
	}
}

// NewEnvelope stamps an event for delivery.
func NewEnvelope(clientID string, event Event) Envelope {
	return Envelope{
		EventType: event.Type(),
		ClientID:  clientID,
		Timestamp: time.Now().UTC(),
		Data:      event,
	}
}

// DecodeEnvelope parses an inbound body into the matching variant. The event
// type is checked before anything else, so unknown types always return
// ErrUnknownEventType.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var raw struct {
		EventType EventType       `json:"eventType"`
		ClientID  string          `json:"clientId"`
		Timestamp json.RawMessage `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var event Event
	switch raw.EventType {
	case EventRegistration:
		event = &RegistrationEvent{}
	case EventWatchRenewal:
		event = &WatchRenewalEvent{}
	case EventTokenRefresh:
		event = &TokenRefreshEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, raw.EventType)
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return &Envelope{
		EventType: raw.EventType,
		ClientID:  raw.ClientID,
		Timestamp: ts,
		Data:      event,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts RFC 3339 or SQL-style strings and epoch milliseconds.
// A missing timestamp yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %s", raw)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: unsupported format %q", s)
}

package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Registration status values.
const (
	RegistrationStatusPending   = "pending"
	RegistrationStatusCompleted = "completed"
	RegistrationStatusFailed    = "failed"
	RegistrationStatusExpired   = "expired"
)

// Client is one authorized Gmail account. AccessToken and RefreshToken hold
// plaintext only in memory; the repository seals them before every write.
type Client struct {
	ID                   string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name                 string         `gorm:"type:varchar(100);not null" json:"name" validate:"required,min=2,max=100"`
	Email                string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_clients_email" json:"email" validate:"required,email,max=191"`
	Company              string         `gorm:"type:varchar(100);default:''" json:"company" validate:"max=100"`
	GmailAddress         string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_clients_gmail_address" json:"gmailAddress" validate:"required,email,max=191"`
	AccessToken          string         `gorm:"type:text" json:"-"`
	RefreshToken         string         `gorm:"type:text" json:"-"`
	TokenExpiry          *time.Time     `gorm:"type:timestamp;default:null;index" json:"tokenExpiry,omitempty"`
	WatchTopic           string         `gorm:"type:varchar(255);default:''" json:"watchTopic,omitempty"`
	WatchHistoryID       string         `gorm:"type:varchar(64);default:''" json:"watchHistoryId,omitempty"`
	WatchExpiry          *time.Time     `gorm:"type:timestamp;default:null;index" json:"watchExpiry,omitempty"`
	LastRenewalAt        *time.Time     `gorm:"type:timestamp;default:null" json:"lastRenewalAt,omitempty"`
	RegistrationStatus   string         `gorm:"type:varchar(20);not null;default:'pending';index" json:"registrationStatus" validate:"oneof=pending completed failed expired"`
	WebhookDelivered     bool           `gorm:"default:false" json:"webhookDelivered"`
	WebhookDeliveredAt   *time.Time     `gorm:"type:timestamp;default:null" json:"webhookDeliveredAt,omitempty"`
	ConsentGiven         bool           `gorm:"default:false" json:"consentGiven"`
	ConsentDate          *time.Time     `gorm:"type:timestamp;default:null" json:"consentDate,omitempty"`
	PrivacyPolicyVersion string         `gorm:"type:varchar(20);default:''" json:"privacyPolicyVersion,omitempty"`
	CreatedAt            time.Time      `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
}

func (c *Client) Validate() error {
	v := validator.New()

	return v.Struct(c)
}

// HasCredentials reports whether the record carries everything a completed registration needs.
func (c *Client) HasCredentials() bool {
	return c.AccessToken != "" && c.RefreshToken != "" && c.TokenExpiry != nil
}

func (c *Client) IsCompleted() bool {
	return c.RegistrationStatus == RegistrationStatusCompleted
}

// TokenExpiresBefore reports whether the access token is missing or expires before t.
func (c *Client) TokenExpiresBefore(t time.Time) bool {
	return c.TokenExpiry == nil || c.TokenExpiry.Before(t)
}

// WatchLapsed reports whether a watch was set and has already expired at now.
func (c *Client) WatchLapsed(now time.Time) bool {
	return c.WatchExpiry != nil && !c.WatchExpiry.After(now)
}

// ClientSummary is the public shape returned after registration.
type ClientSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Company      string    `json:"company"`
	GmailAddress string    `json:"gmailAddress"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (c *Client) Summary() ClientSummary {
	return ClientSummary{
		ID:           c.ID,
		Name:         c.Name,
		Email:        c.Email,
		Company:      c.Company,
		GmailAddress: c.GmailAddress,
		RegisteredAt: c.CreatedAt,
	}
}

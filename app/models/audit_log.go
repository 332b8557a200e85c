package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Audit actions. The set is closed; Valid rejects anything else.
const (
	AuditRegistrationStarted   = "registration_started"
	AuditOAuthAuthorized       = "oauth_authorized"
	AuditRegistrationCompleted = "registration_completed"
	AuditTokenRefreshed        = "token_refreshed"
	AuditWatchCreated          = "watch_created"
	AuditWatchRenewed          = "watch_renewed"
	AuditWebhookSent           = "webhook_sent"
	AuditWebhookFailed         = "webhook_failed"
	AuditRegistrationFailed    = "registration_failed"
	AuditClientDeleted         = "client_deleted"
	AuditClientUpdated         = "client_updated"
)

var auditActions = map[string]struct{}{
	AuditRegistrationStarted:   {},
	AuditOAuthAuthorized:       {},
	AuditRegistrationCompleted: {},
	AuditTokenRefreshed:        {},
	AuditWatchCreated:          {},
	AuditWatchRenewed:          {},
	AuditWebhookSent:           {},
	AuditWebhookFailed:         {},
	AuditRegistrationFailed:    {},
	AuditClientDeleted:         {},
	AuditClientUpdated:         {},
}

func IsValidAuditAction(action string) bool {
	_, ok := auditActions[action]
	return ok
}

// AuditDetails is free-form structured context stored as JSON text.
type AuditDetails map[string]any

func (d AuditDetails) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *AuditDetails) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = AuditDetails{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("audit details: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*d = AuditDetails{}
		return nil
	}
	out := AuditDetails{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*d = out
	return nil
}

// AuditLog is append-only. Rows are only removed by the retention sweep.
type AuditLog struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	ClientID     *string      `gorm:"type:varchar(36);index" json:"clientId"`
	Action       string       `gorm:"type:varchar(40);not null;index" json:"action"`
	Details      AuditDetails `gorm:"type:text" json:"details"`
	Success      bool         `gorm:"not null" json:"success"`
	ErrorMessage string       `gorm:"type:text" json:"errorMessage,omitempty"`
	IPAddress    string       `gorm:"type:varchar(45);default:''" json:"ipAddress,omitempty"`
	UserAgent    string       `gorm:"type:varchar(255);default:''" json:"userAgent,omitempty"`
	CreatedAt    time.Time    `gorm:"autoCreateTime;index" json:"createdAt"`
}

var ErrInvalidAuditAction = errors.New("invalid audit action")

func (a *AuditLog) Validate() error {
	if !IsValidAuditAction(a.Action) {
		return fmt.Errorf("%w: %q", ErrInvalidAuditAction, a.Action)
	}
	return nil
}

package audit

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/app/models"
	"github.com/ManuelReschke/InboxGate/app/repository"
)

// Entry describes one lifecycle event.
type Entry struct {
	ClientID  string
	Action    string
	Success   bool
	Err       error
	Details   models.AuditDetails
	IPAddress string
	UserAgent string
}

// Recorder appends lifecycle events to the audit log.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

type RepositoryRecorder struct {
	repo repository.AuditLogRepository
}

func NewRecorder(repo repository.AuditLogRepository) *RepositoryRecorder {
	return &RepositoryRecorder{repo: repo}
}

// Record persists the entry. A failed write is logged and returned so
// mandatory steps can surface it.
func (r *RepositoryRecorder) Record(ctx context.Context, entry Entry) error {
	row := &models.AuditLog{
		Action:    entry.Action,
		Success:   entry.Success && entry.Err == nil,
		Details:   entry.Details,
		IPAddress: entry.IPAddress,
		UserAgent: truncate(entry.UserAgent, 255),
	}
	if entry.ClientID != "" {
		id := entry.ClientID
		row.ClientID = &id
	}
	if entry.Err != nil {
		row.ErrorMessage = entry.Err.Error()
	}
	if err := r.repo.Create(ctx, row); err != nil {
		log.Errorf("[Audit] failed to record %s for client %q: %v", entry.Action, entry.ClientID, err)
		return err
	}
	return nil
}

// Success and Failure are shorthands for the common cases.
func Success(clientID, action string, details models.AuditDetails) Entry {
	return Entry{ClientID: clientID, Action: action, Success: true, Details: details}
}

func Failure(clientID, action string, err error, details models.AuditDetails) Entry {
	return Entry{ClientID: clientID, Action: action, Success: false, Err: err, Details: details}
}

// WithRequest attaches requester metadata.
func (e Entry) WithRequest(ip, userAgent string) Entry {
	e.IPAddress = ip
	e.UserAgent = userAgent
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

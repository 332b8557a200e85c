package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/InboxGate/app/models"
)

// ErrNotFound is returned by single-record lookups.
var ErrNotFound = gorm.ErrRecordNotFound

// MaxPageSize caps every paginated query.
const MaxPageSize = 100

// Sealer encrypts token material at the store boundary.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(blob string) (string, error)
}

// ClientFilter narrows List and Count. Zero values mean "any".
type ClientFilter struct {
	Status           string
	CreatedSince     *time.Time
	WebhookDelivered *bool
}

// ClientRepository defines the credential store. Reads return records with
// plaintext tokens; writes seal them.
type ClientRepository interface {
	FindByID(ctx context.Context, id string) (*models.Client, error)
	FindByMailbox(ctx context.Context, address string) (*models.Client, error)
	FindByEmail(ctx context.Context, email string) (*models.Client, error)
	Upsert(ctx context.Context, client *models.Client) (*models.Client, error)
	ListExpiringTokens(ctx context.Context, before time.Time) ([]models.Client, error)
	ListExpiringWatches(ctx context.Context, before time.Time) ([]models.Client, error)
	List(ctx context.Context, filter ClientFilter, offset, limit int) ([]models.Client, int64, error)
	Count(ctx context.Context, filter ClientFilter) (int64, error)
	Search(ctx context.Context, text string, offset, limit int) ([]models.Client, int64, error)
}

// AuditLogRepository is append-only apart from PurgeOlderThan.
type AuditLogRepository interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	ListByClient(ctx context.Context, clientID string, offset, limit int) ([]models.AuditLog, int64, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, afterID uint, limit int) ([]models.AuditLog, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Client   ClientRepository
	AuditLog AuditLogRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB, sealer Sealer) *Repositories {
	return &Repositories{
		Client:   NewClientRepository(db, sealer),
		AuditLog: NewAuditLogRepository(db),
	}
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	return offset, limit
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/InboxGate/app/models"
)

// clientUpsertColumns are overwritten when a concurrent insert loses the race on email.
var clientUpsertColumns = []string{
	"name",
	"company",
	"gmail_address",
	"access_token",
	"refresh_token",
	"token_expiry",
	"watch_topic",
	"watch_history_id",
	"watch_expiry",
	"last_renewal_at",
	"registration_status",
	"webhook_delivered",
	"webhook_delivered_at",
	"consent_given",
	"consent_date",
	"privacy_policy_version",
	"updated_at",
}

// clientRepository implements the ClientRepository interface
type clientRepository struct {
	db     *gorm.DB
	sealer Sealer
}

// NewClientRepository creates a new client repository instance
func NewClientRepository(db *gorm.DB, sealer Sealer) ClientRepository {
	return &clientRepository{db: db, sealer: sealer}
}

func (r *clientRepository) FindByID(ctx context.Context, id string) (*models.Client, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *clientRepository) FindByMailbox(ctx context.Context, address string) (*models.Client, error) {
	return r.first(ctx, "gmail_address = ?", normalizeAddress(address))
}

func (r *clientRepository) FindByEmail(ctx context.Context, email string) (*models.Client, error) {
	return r.first(ctx, "email = ?", normalizeAddress(email))
}

// Upsert inserts the record or updates the existing row that shares its id,
// mailbox address or contact email, in that order of precedence. A unique key
// already owned by a different row is left as the winner had it. The stored
// record is re-read and returned.
func (r *clientRepository) Upsert(ctx context.Context, client *models.Client) (*models.Client, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	row, err := r.sealed(client)
	if err != nil {
		return nil, err
	}

	var updatedID string
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := r.lookupExisting(tx, row)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if existing != nil {
			if err := keepOwnedKeys(tx, row, existing); err != nil {
				return err
			}
			row.ID = existing.ID
			row.CreatedAt = existing.CreatedAt
			updatedID = row.ID
			return tx.Save(row).Error
		}
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns(clientUpsertColumns),
		}).Create(row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert client %s: %w", row.Email, err)
	}

	if updatedID != "" {
		return r.FindByID(ctx, updatedID)
	}
	// ON CONFLICT keeps the winner's primary key, so re-read by the unique email.
	return r.FindByEmail(ctx, row.Email)
}

func (r *clientRepository) ListExpiringTokens(ctx context.Context, before time.Time) ([]models.Client, error) {
	var clients []models.Client
	err := r.db.WithContext(ctx).
		Where("registration_status = ?", models.RegistrationStatusCompleted).
		Where("refresh_token <> ''").
		Where("token_expiry IS NOT NULL AND token_expiry < ?", before).
		Order("token_expiry ASC").
		Find(&clients).Error
	if err != nil {
		return nil, err
	}
	return r.openBatch(clients), nil
}

// ListExpiringWatches includes completed records that never got a watch.
func (r *clientRepository) ListExpiringWatches(ctx context.Context, before time.Time) ([]models.Client, error) {
	var clients []models.Client
	err := r.db.WithContext(ctx).
		Where("registration_status = ?", models.RegistrationStatusCompleted).
		Where("(watch_expiry IS NULL OR watch_expiry < ?)", before).
		Order("watch_expiry ASC").
		Find(&clients).Error
	if err != nil {
		return nil, err
	}
	return r.openBatch(clients), nil
}

func (r *clientRepository) List(ctx context.Context, filter ClientFilter, offset, limit int) ([]models.Client, int64, error) {
	offset, limit = clampPage(offset, limit)

	var total int64
	if err := applyClientFilter(r.db.WithContext(ctx).Model(&models.Client{}), filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var clients []models.Client
	err := applyClientFilter(r.db.WithContext(ctx), filter).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&clients).Error
	if err != nil {
		return nil, 0, err
	}
	opened, err := r.openAll(clients)
	return opened, total, err
}

func (r *clientRepository) Count(ctx context.Context, filter ClientFilter) (int64, error) {
	var count int64
	err := applyClientFilter(r.db.WithContext(ctx).Model(&models.Client{}), filter).Count(&count).Error
	return count, err
}

// Search matches a case-insensitive substring on name, email, company and mailbox.
func (r *clientRepository) Search(ctx context.Context, text string, offset, limit int) ([]models.Client, int64, error) {
	offset, limit = clampPage(offset, limit)
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(text))) + "%"
	where := "(LOWER(name) LIKE ? ESCAPE '!' OR LOWER(email) LIKE ? ESCAPE '!' OR LOWER(company) LIKE ? ESCAPE '!' OR LOWER(gmail_address) LIKE ? ESCAPE '!')"

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Client{}).
		Where(where, pattern, pattern, pattern, pattern).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var clients []models.Client
	err := r.db.WithContext(ctx).
		Where(where, pattern, pattern, pattern, pattern).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&clients).Error
	if err != nil {
		return nil, 0, err
	}
	opened, err := r.openAll(clients)
	return opened, total, err
}

func (r *clientRepository) first(ctx context.Context, query string, args ...any) (*models.Client, error) {
	var client models.Client
	if err := r.db.WithContext(ctx).Where(query, args...).First(&client).Error; err != nil {
		return nil, err
	}
	if err := r.open(&client); err != nil {
		return nil, err
	}
	return &client, nil
}

func (r *clientRepository) lookupExisting(tx *gorm.DB, row *models.Client) (*models.Client, error) {
	if row.ID != "" {
		existing, err := findRow(tx, "id = ?", row.ID)
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return existing, err
		}
	}
	if row.GmailAddress != "" {
		existing, err := findRow(tx, "gmail_address = ?", row.GmailAddress)
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return existing, err
		}
	}
	return findRow(tx, "email = ?", row.Email)
}

// keepOwnedKeys reverts email or mailbox to the winner's value when the
// incoming one already belongs to a different row.
func keepOwnedKeys(tx *gorm.DB, row, existing *models.Client) error {
	if row.Email != existing.Email {
		taken, err := ownedByOther(tx, "email", row.Email, existing.ID)
		if err != nil {
			return err
		}
		if taken {
			log.Warnf("[ClientRepository] email %s belongs to another client, keeping %s on client %s", row.Email, existing.Email, existing.ID)
			row.Email = existing.Email
		}
	}
	if row.GmailAddress != "" && row.GmailAddress != existing.GmailAddress {
		taken, err := ownedByOther(tx, "gmail_address", row.GmailAddress, existing.ID)
		if err != nil {
			return err
		}
		if taken {
			log.Warnf("[ClientRepository] mailbox %s belongs to another client, keeping %s on client %s", row.GmailAddress, existing.GmailAddress, existing.ID)
			row.GmailAddress = existing.GmailAddress
		}
	}
	return nil
}

func ownedByOther(tx *gorm.DB, column, value, id string) (bool, error) {
	var count int64
	err := tx.Model(&models.Client{}).
		Where(column+" = ? AND id <> ?", value, id).
		Count(&count).Error
	return count > 0, err
}

func findRow(tx *gorm.DB, query string, args ...any) (*models.Client, error) {
	var c models.Client
	if err := tx.Where(query, args...).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// sealed returns a copy of client ready to be written. The caller's value keeps plaintext.
func (r *clientRepository) sealed(client *models.Client) (*models.Client, error) {
	row := *client
	row.Email = normalizeAddress(row.Email)
	row.GmailAddress = normalizeAddress(row.GmailAddress)
	var err error
	if row.AccessToken, err = r.sealer.Seal(client.AccessToken); err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	if row.RefreshToken, err = r.sealer.Seal(client.RefreshToken); err != nil {
		return nil, fmt.Errorf("seal refresh token: %w", err)
	}
	return &row, nil
}

func (r *clientRepository) open(client *models.Client) error {
	var err error
	if client.AccessToken, err = r.sealer.Open(client.AccessToken); err != nil {
		return fmt.Errorf("open access token for client %s: %w", client.ID, err)
	}
	if client.RefreshToken, err = r.sealer.Open(client.RefreshToken); err != nil {
		return fmt.Errorf("open refresh token for client %s: %w", client.ID, err)
	}
	return nil
}

func (r *clientRepository) openAll(clients []models.Client) ([]models.Client, error) {
	for i := range clients {
		if err := r.open(&clients[i]); err != nil {
			return nil, err
		}
	}
	return clients, nil
}

// openBatch drops records whose tokens cannot be opened so one corrupt row
// does not stall a renewal scan.
func (r *clientRepository) openBatch(clients []models.Client) []models.Client {
	out := clients[:0]
	for i := range clients {
		if err := r.open(&clients[i]); err != nil {
			log.Errorf("[ClientRepository] skipping client %s: %v", clients[i].ID, err)
			continue
		}
		out = append(out, clients[i])
	}
	return out
}

func applyClientFilter(db *gorm.DB, filter ClientFilter) *gorm.DB {
	if filter.Status != "" {
		db = db.Where("registration_status = ?", filter.Status)
	}
	if filter.CreatedSince != nil {
		db = db.Where("created_at >= ?", *filter.CreatedSince)
	}
	if filter.WebhookDelivered != nil {
		db = db.Where("webhook_delivered = ?", *filter.WebhookDelivered)
	}
	return db
}

func normalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

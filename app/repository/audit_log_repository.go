package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/InboxGate/app/models"
)

// auditLogRepository implements the AuditLogRepository interface
type auditLogRepository struct {
	db *gorm.DB
}

// NewAuditLogRepository creates a new audit log repository instance
func NewAuditLogRepository(db *gorm.DB) AuditLogRepository {
	return &auditLogRepository{db: db}
}

func (r *auditLogRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.Details == nil {
		entry.Details = models.AuditDetails{}
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListByClient returns entries newest first. The auto-increment id breaks
// timestamp ties so order always matches insertion order.
func (r *auditLogRepository) ListByClient(ctx context.Context, clientID string, offset, limit int) ([]models.AuditLog, int64, error) {
	offset, limit = clampPage(offset, limit)

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.AuditLog{}).
		Where("client_id = ?", clientID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.AuditLog
	err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("created_at DESC").Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&entries).Error
	return entries, total, err
}

// ListOlderThan pages through entries created before cutoff in id order.
func (r *auditLogRepository) ListOlderThan(ctx context.Context, cutoff time.Time, afterID uint, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	var entries []models.AuditLog
	err := r.db.WithContext(ctx).
		Where("created_at < ? AND id > ?", cutoff, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *auditLogRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditLog{})
	return res.RowsAffected, res.Error
}

package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory manages repository instances and ensures they are singletons
type Factory struct {
	db     *gorm.DB
	sealer Sealer
	repos  *Repositories
	once   sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB, sealer Sealer) *Factory {
	return &Factory{
		db:     db,
		sealer: sealer,
	}
}

// GetRepositories returns a singleton instance of all repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db, f.sealer)
	})
	return f.repos
}

// GetClientRepository returns the client repository instance
func (f *Factory) GetClientRepository() ClientRepository {
	return f.GetRepositories().Client
}

// GetAuditLogRepository returns the audit log repository instance
func (f *Factory) GetAuditLogRepository() AuditLogRepository {
	return f.GetRepositories().AuditLog
}

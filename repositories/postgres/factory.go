package postgres

import (
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	return &RepositoryFactory{db: db, logger: logger}, nil
}

// NewRepositoryFactoryFromDB creates a factory over an existing pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, logger: logger}
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Scope:     NewTenantScope(f.db, f.logger),
		Registry:  NewTenantRegistry(f.db),
		Tenants:   NewTenantRepository(f.logger),
		Jobs:      NewJobRepository(f.logger),
		Overrides: NewBudgetOverrideRepository(f.logger),
		AuditLogs: NewAuditRepository(f.logger),
		Probe:     NewIsolationProbe(),
	}
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}

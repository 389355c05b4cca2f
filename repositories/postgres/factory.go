package postgres

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/repositories"
)

// RepositoryFactory owns the connection pool and hands out repositories
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory opens the database described by cfg
func NewRepositoryFactory(cfg config.DatabaseConfig, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewRepositoryFactoryFromDB(db, logger), nil
}

// NewRepositoryFactoryFromDB builds a factory around an existing pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, logger: logger}
}

// InitSchema creates the gateway tables
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	return f.db.InitSchema(ctx)
}

// NewRepositories creates all repository instances sharing one transaction manager
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	txManager := f.GetTransactionManager()
	return &repositories.Repositories{
		Snapshots: NewSnapshotRepository(f.db, txManager, DefaultSnapshotRetention, f.logger),
		Credits:   NewCreditRepository(f.db, txManager, f.logger),
		Health:    NewHealthRepository(f.db, txManager, f.logger),
		Events:    NewEventRepository(f.db, f.logger),
	}
}

// GetTransactionManager returns a transaction manager
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.db, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}

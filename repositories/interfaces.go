package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/upb/llm-gateway/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// SnapshotRepository is the durable tier of the catalog cache
type SnapshotRepository interface {
	// LatestSnapshot returns the highest version saved, or nil when the table is empty
	LatestSnapshot(ctx context.Context) (*models.CatalogSnapshot, error)

	// SaveSnapshot stores a snapshot and prunes old versions. Saving a version twice is a no-op.
	SaveSnapshot(ctx context.Context, snapshot *models.CatalogSnapshot) error
}

// CreditRepository holds balances and reservations. Every method that changes a balance
// is atomic in the database so several gateway instances can share one ledger.
type CreditRepository interface {
	// TryReserve holds res.Amount only if the available balance covers it
	TryReserve(ctx context.Context, res *models.CreditReservation) (models.CreditAccount, bool, error)

	// Commit debits finalAmount and closes an active reservation
	Commit(ctx context.Context, reservationID uuid.UUID, finalAmount float64) error

	// Release closes an active reservation without a debit
	Release(ctx context.Context, reservationID uuid.UUID) error

	// ExpireStale expires active reservations whose expiry is at or before now
	ExpireStale(ctx context.Context, now time.Time) (int, error)

	// GetAccount retrieves a user's account
	GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error)

	// Deposit adds credits to a user's balance, creating the account if needed
	Deposit(ctx context.Context, userID string, amount float64) (*models.CreditAccount, error)
}

// HealthRepository persists health records for operators
type HealthRepository interface {
	// UpsertHealthRecords writes the latest state of every given pair
	UpsertHealthRecords(ctx context.Context, records []models.HealthRecord) error
}

// EventRepository stores core gateway events
type EventRepository interface {
	// Publish inserts a batch of events in one statement
	Publish(ctx context.Context, batch []*models.GatewayEvent) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Snapshots SnapshotRepository
	Credits   CreditRepository
	Health    HealthRepository
	Events    EventRepository
}

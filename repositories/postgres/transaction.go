package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/repositories"
)

type txKey struct{}

// TransactionManager begins transactions on the gateway database
type TransactionManager struct {
	db     *DB
	logger *zap.Logger
}

// NewTransactionManager creates a new transaction manager
func NewTransactionManager(db *DB, logger *zap.Logger) *TransactionManager {
	return &TransactionManager{db: db, logger: logger}
}

// Begin starts a transaction. Ledger writes rely on row locks, so the default
// READ COMMITTED level is enough.
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	sqlTx, err := tm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{tx: sqlTx, ctx: ctx, logger: tm.logger}, nil
}

// InTransaction runs fn with the transaction stored in ctx, so repository calls made
// through GetExecutor join it. Commits on success, rolls back on error.
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := tm.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			tm.logger.Error("failed to rollback transaction",
				zap.Error(rbErr),
				zap.NamedError("original_error", err))
		}
		return err
	}
	return tx.Commit()
}

// Transaction wraps *sql.Tx
type Transaction struct {
	tx     *sql.Tx
	ctx    context.Context
	logger *zap.Logger
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction. Rolling back a finished transaction is not an error.
func (t *Transaction) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Context returns the context the transaction was started with
func (t *Transaction) Context() context.Context {
	return t.ctx
}

// Executor is satisfied by both *sql.DB and *sql.Tx
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetExecutor returns the transaction carried by ctx, or the pool
func GetExecutor(ctx context.Context, db *DB) Executor {
	if tx, ok := ctx.Value(txKey{}).(repositories.Transaction); ok {
		return TxExecutor(tx, db)
	}
	return db.DB
}

// TxExecutor returns the *sql.Tx behind tx, or the pool when tx is not a postgres transaction
func TxExecutor(tx repositories.Transaction, db *DB) Executor {
	if pgTx, ok := tx.(*Transaction); ok {
		return pgTx.tx
	}
	return db.DB
}

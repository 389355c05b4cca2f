package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
)

type reserveResult struct {
	account models.CreditAccount
	ok      bool
}

// CreditRepository implements repositories.CreditRepository. The balance check and the
// hold happen in one conditional UPDATE, so the row lock serializes competing reservations.
type CreditRepository struct {
	db        *DB
	txManager repositories.TransactionManager
	logger    *zap.Logger
}

// NewCreditRepository creates a new credit repository
func NewCreditRepository(db *DB, txManager repositories.TransactionManager, logger *zap.Logger) *CreditRepository {
	return &CreditRepository{db: db, txManager: txManager, logger: logger}
}

// TryReserve holds res.Amount if balance - reserved covers it
func (r *CreditRepository) TryReserve(ctx context.Context, res *models.CreditReservation) (models.CreditAccount, bool, error) {
	hold := `
		UPDATE credit_accounts
		SET reserved = reserved + $2, updated_at = $3
		WHERE user_id = $1 AND balance - reserved >= $2
		RETURNING balance, reserved, updated_at
	`
	insert := `
		INSERT INTO credit_reservations (id, user_id, request_id, amount, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	result, err := services.WithTransactionResult(ctx, r.txManager, func(ctx context.Context, tx repositories.Transaction) (reserveResult, error) {
		exec := TxExecutor(tx, r.db)
		acct := models.CreditAccount{UserID: res.UserID}

		err := exec.QueryRowContext(ctx, hold, res.UserID, res.Amount, time.Now().UTC()).
			Scan(&acct.Balance, &acct.Reserved, &acct.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			denied, err := r.accountFor(ctx, exec, res.UserID)
			return reserveResult{account: denied}, err
		}
		if err != nil {
			return reserveResult{}, fmt.Errorf("failed to hold credits: %w", err)
		}

		if _, err := exec.ExecContext(ctx, insert,
			res.ID,
			res.UserID,
			res.RequestID,
			res.Amount,
			res.Status,
			res.CreatedAt,
			res.ExpiresAt,
		); err != nil {
			return reserveResult{}, fmt.Errorf("failed to insert reservation: %w", err)
		}
		return reserveResult{account: acct, ok: true}, nil
	})
	if err != nil {
		return models.CreditAccount{}, false, err
	}
	return result.account, result.ok, nil
}

// accountFor reads an account for a denial. A missing account has a zero balance.
func (r *CreditRepository) accountFor(ctx context.Context, exec Executor, userID string) (models.CreditAccount, error) {
	acct := models.CreditAccount{UserID: userID}
	err := exec.QueryRowContext(ctx,
		`SELECT balance, reserved, updated_at FROM credit_accounts WHERE user_id = $1`, userID).
		Scan(&acct.Balance, &acct.Reserved, &acct.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return acct, fmt.Errorf("failed to get credit account: %w", err)
	}
	return acct, nil
}

// Commit debits finalAmount and frees the rest of the hold
func (r *CreditRepository) Commit(ctx context.Context, reservationID uuid.UUID, finalAmount float64) error {
	return r.close(ctx, reservationID, models.ReservationSettled, finalAmount)
}

// Release frees the whole hold
func (r *CreditRepository) Release(ctx context.Context, reservationID uuid.UUID) error {
	return r.close(ctx, reservationID, models.ReservationReleased, 0)
}

func (r *CreditRepository) close(ctx context.Context, id uuid.UUID, status models.ReservationStatus, debit float64) error {
	closeRes := `
		UPDATE credit_reservations
		SET status = $2, settled_amount = $3, closed_at = $4
		WHERE id = $1 AND status = 'active'
		RETURNING user_id, amount
	`
	adjust := `
		UPDATE credit_accounts
		SET reserved = reserved - $2, balance = balance - $3, updated_at = $4
		WHERE user_id = $1
	`

	return r.txManager.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		exec := GetExecutor(ctx, r.db)
		now := time.Now().UTC()

		var userID string
		var amount float64
		err := exec.QueryRowContext(ctx, closeRes, id, status, debit, now).Scan(&userID, &amount)
		if errors.Is(err, sql.ErrNoRows) {
			return r.closedOrMissing(ctx, exec, id)
		}
		if err != nil {
			return fmt.Errorf("failed to close reservation: %w", err)
		}

		if _, err := exec.ExecContext(ctx, adjust, userID, amount, debit, now); err != nil {
			return fmt.Errorf("failed to adjust credit account: %w", err)
		}

		r.logger.Debug("reservation closed",
			zap.String("reservation_id", id.String()),
			zap.String("status", string(status)),
			zap.Float64("debit", debit))
		return nil
	})
}

func (r *CreditRepository) closedOrMissing(ctx context.Context, exec Executor, id uuid.UUID) error {
	var status string
	err := exec.QueryRowContext(ctx, `SELECT status FROM credit_reservations WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return services.ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get reservation: %w", err)
	}
	return services.ErrReservationClosed
}

// ExpireStale expires overdue reservations and returns their holds in one statement
func (r *CreditRepository) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	query := `
		WITH expired AS (
			UPDATE credit_reservations
			SET status = 'expired', closed_at = $1
			WHERE status = 'active' AND expires_at <= $1
			RETURNING user_id, amount
		), totals AS (
			SELECT user_id, SUM(amount) AS amount, COUNT(*) AS n
			FROM expired
			GROUP BY user_id
		)
		UPDATE credit_accounts a
		SET reserved = a.reserved - t.amount, updated_at = $1
		FROM totals t
		WHERE a.user_id = t.user_id
		RETURNING t.n
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire reservations: %w", err)
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to scan expired count: %w", err)
		}
		total += n
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating expired reservations: %w", err)
	}
	return total, nil
}

// GetAccount retrieves a user's account
func (r *CreditRepository) GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	acct := &models.CreditAccount{UserID: userID}
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx,
		`SELECT balance, reserved, updated_at FROM credit_accounts WHERE user_id = $1`, userID).
		Scan(&acct.Balance, &acct.Reserved, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	return acct, nil
}

// Deposit adds credits, creating the account on first deposit
func (r *CreditRepository) Deposit(ctx context.Context, userID string, amount float64) (*models.CreditAccount, error) {
	query := `
		INSERT INTO credit_accounts (user_id, balance, reserved, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
		RETURNING balance, reserved, updated_at
	`

	acct := &models.CreditAccount{UserID: userID}
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, userID, amount, time.Now().UTC()).
		Scan(&acct.Balance, &acct.Reserved, &acct.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to deposit credits: %w", err)
	}

	r.logger.Info("credits deposited",
		zap.String("user_id", userID),
		zap.Float64("amount", amount),
		zap.Float64("balance", acct.Balance))
	return acct, nil
}

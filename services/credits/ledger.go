package credits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
)

// Ledger is the durable store behind the gate. TryReserve must check and hold in one
// atomic step so concurrent reservations, across instances, never overspend a balance.
type Ledger interface {
	// TryReserve holds res.Amount if the available balance covers it. The account state
	// is returned either way so a denial can explain itself.
	TryReserve(ctx context.Context, res *models.CreditReservation) (models.CreditAccount, bool, error)

	// Commit debits finalAmount and frees the hold. Fails with ErrReservationClosed
	// unless the reservation is still active.
	Commit(ctx context.Context, reservationID uuid.UUID, finalAmount float64) error

	// Release frees the hold without a debit
	Release(ctx context.Context, reservationID uuid.UUID) error

	// ExpireStale releases every active reservation whose expiry is at or before now
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// MemoryLedger is a single-process Ledger for development and tests. A closed reservation
// is kept until a sweep finds it past its expiry, then dropped.
type MemoryLedger struct {
	mu           sync.Mutex
	accounts     map[string]*models.CreditAccount
	reservations map[uuid.UUID]*models.CreditReservation
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts:     make(map[string]*models.CreditAccount),
		reservations: make(map[uuid.UUID]*models.CreditReservation),
	}
}

// Deposit adds credits to a user's balance, creating the account if needed
func (l *MemoryLedger) Deposit(userID string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(userID).Balance += amount
}

// Account returns a copy of a user's account
func (l *MemoryLedger) Account(userID string) models.CreditAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.account(userID)
}

// account must be called with the lock held
func (l *MemoryLedger) account(userID string) *models.CreditAccount {
	acct, ok := l.accounts[userID]
	if !ok {
		acct = &models.CreditAccount{UserID: userID}
		l.accounts[userID] = acct
	}
	return acct
}

// TryReserve implements Ledger
func (l *MemoryLedger) TryReserve(ctx context.Context, res *models.CreditReservation) (models.CreditAccount, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(res.UserID)
	if acct.Available() < res.Amount {
		return *acct, false, nil
	}

	acct.Reserved += res.Amount
	acct.UpdatedAt = time.Now().UTC()
	stored := *res
	l.reservations[res.ID] = &stored
	return *acct, true, nil
}

// Commit implements Ledger
func (l *MemoryLedger) Commit(ctx context.Context, reservationID uuid.UUID, finalAmount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.active(reservationID)
	if err != nil {
		return err
	}
	acct := l.account(res.UserID)
	acct.Reserved -= res.Amount
	acct.Balance -= finalAmount
	acct.UpdatedAt = time.Now().UTC()
	res.Status = models.ReservationSettled
	return nil
}

// Release implements Ledger
func (l *MemoryLedger) Release(ctx context.Context, reservationID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.active(reservationID)
	if err != nil {
		return err
	}
	l.free(res, models.ReservationReleased)
	return nil
}

// ExpireStale implements Ledger
func (l *MemoryLedger) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expired := 0
	for id, res := range l.reservations {
		if res.ExpiresAt.After(now) {
			continue
		}
		if res.Status != models.ReservationActive {
			delete(l.reservations, id)
			continue
		}
		l.free(res, models.ReservationExpired)
		expired++
	}
	return expired, nil
}

func (l *MemoryLedger) active(id uuid.UUID) (*models.CreditReservation, error) {
	res, ok := l.reservations[id]
	if !ok {
		return nil, services.ErrReservationNotFound
	}
	if res.Status != models.ReservationActive {
		return nil, services.ErrReservationClosed
	}
	return res, nil
}

func (l *MemoryLedger) free(res *models.CreditReservation, status models.ReservationStatus) {
	acct := l.account(res.UserID)
	acct.Reserved -= res.Amount
	acct.UpdatedAt = time.Now().UTC()
	res.Status = status
}

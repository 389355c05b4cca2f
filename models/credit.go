package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus tracks the lifecycle of a credit reservation
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationSettled  ReservationStatus = "settled"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// CreditReservation is a temporary hold against a user's balance
type CreditReservation struct {
	ID        uuid.UUID         `json:"id" db:"id"`
	UserID    string            `json:"user_id" db:"user_id"`
	RequestID string            `json:"request_id" db:"request_id"`
	Amount    float64           `json:"amount" db:"amount"`
	Status    ReservationStatus `json:"status" db:"status"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	ExpiresAt time.Time         `json:"expires_at" db:"expires_at"`
}

// TableName returns the table name for the CreditReservation model
func (CreditReservation) TableName() string {
	return "credit_reservations"
}

// NewCreditReservation creates an active reservation expiring after ttl
func NewCreditReservation(userID, requestID string, amount float64, ttl time.Duration) *CreditReservation {
	now := time.Now().UTC()
	return &CreditReservation{
		ID:        uuid.New(),
		UserID:    userID,
		RequestID: requestID,
		Amount:    amount,
		Status:    ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// CreditAccount is a user's balance. Reserved is the sum of live reservations.
type CreditAccount struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   float64   `json:"balance" db:"balance"`
	Reserved  float64   `json:"reserved" db:"reserved"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the CreditAccount model
func (CreditAccount) TableName() string {
	return "credit_accounts"
}

// Available is the balance not held by live reservations
func (a CreditAccount) Available() float64 {
	return a.Balance - a.Reserved
}

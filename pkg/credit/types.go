package credit

import (
	"context"
	"strings"
	"time"
)

// UserID identifies an account owner.
type UserID string

// NewUserID validates and normalizes a raw user identifier.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidUserID
	}
	return UserID(trimmed), nil
}

// String returns the identifier as a plain string.
func (userID UserID) String() string {
	return string(userID)
}

// TransactionID identifies a single reservation and its lifecycle.
type TransactionID string

// NewTransactionID validates a raw transaction identifier.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidTransactionID
	}
	return TransactionID(trimmed), nil
}

// String returns the identifier as a plain string.
func (transactionID TransactionID) String() string {
	return string(transactionID)
}

// Amount is a non-negative quantity of credits.
type Amount int64

// NewAmount validates a raw credit quantity.
func NewAmount(raw int64) (Amount, error) {
	if raw < 0 {
		return 0, ErrInvalidAmount
	}
	return Amount(raw), nil
}

// Int64 returns the amount as a plain integer.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// TransactionStatus is the lifecycle state of a reservation.
type TransactionStatus string

// Reservation lifecycle states.
const (
	TransactionStatusOpen       TransactionStatus = "open"
	TransactionStatusCommitted  TransactionStatus = "committed"
	TransactionStatusRolledBack TransactionStatus = "rolled_back"
)

// Account is the credit state for a single user.
type Account struct {
	UserID      UserID
	Plan        Plan
	Balance     Amount
	SignedUpAt  time.Time
	CycleStart  time.Time
	NextGrantAt time.Time
	PhoneNumber string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Wallet is the balance view surfaced to users: the available balance plus
// the total currently held by open reservations.
type Wallet struct {
	Account  Account
	Reserved Amount
}

// Transaction is a reservation against an account balance.
type Transaction struct {
	ID             TransactionID
	UserID         UserID
	ReservedAmount Amount
	ChargedAmount  Amount
	Status         TransactionStatus
	Reference      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PlanChange records a migration between plans and its proportional settlement.
type PlanChange struct {
	ID           string
	UserID       UserID
	FromPlan     Plan
	ToPlan       Plan
	UsedAtChange Amount
	BalanceAfter Amount
	ChangedAt    time.Time
}

// Adjustment records a manual balance correction applied by an operator.
type Adjustment struct {
	ID           string
	UserID       UserID
	Delta        int64
	BalanceAfter Amount
	Reason       string
	AppliedAt    time.Time
}

// DeletionRecord preserves the closing balance of a removed account so a
// re-onboarded user with the same phone number cannot farm signup grants.
type DeletionRecord struct {
	PhoneNumber string
	Plan        Plan
	Balance     Amount
	CycleStart  time.Time
	NextGrantAt time.Time
	DeletedAt   time.Time
}

// Store is the persistence contract required by the credit service. All
// mutating operations run inside WithTx closures.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error)
	CreateAccount(ctx context.Context, account Account) error
	UpdateAccount(ctx context.Context, account Account) error
	DeleteAccount(ctx context.Context, userID UserID) error
	ListAccountsDueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]Account, error)
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	CreateTransaction(ctx context.Context, transaction Transaction) error
	SumOpenReservations(ctx context.Context, userID UserID) (Amount, error)
	UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, fromStatus TransactionStatus, toStatus TransactionStatus, chargedAmount Amount) (bool, error)
	CreatePlanChange(ctx context.Context, planChange PlanChange) error
	CreateAdjustment(ctx context.Context, adjustment Adjustment) error
	GetDeletionRecord(ctx context.Context, phoneNumber string) (DeletionRecord, error)
	PutDeletionRecord(ctx context.Context, record DeletionRecord) error
	RemoveDeletionRecord(ctx context.Context, phoneNumber string) error
}

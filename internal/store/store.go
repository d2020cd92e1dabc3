// Package store records payment attempts and finalised payments. It is the
// single source of truth for attempt status: writes to a terminal record are
// rejected, and at most one payment per booking reference reaches success.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/travel-checkout/internal/adapter"
)

var (
	// ErrDuplicateActiveAttempt is returned when a pending attempt already exists for the booking.
	ErrDuplicateActiveAttempt = errors.New("store: booking already has an active payment attempt")
	// ErrUnknownTransaction is returned when no attempt carries the transaction id.
	ErrUnknownTransaction = errors.New("store: unknown transaction")
	// ErrUnknownAttempt is returned when no attempt has the given id.
	ErrUnknownAttempt = errors.New("store: unknown attempt")
	// ErrTransactionAssigned is returned when a transaction id is already bound to an attempt.
	ErrTransactionAssigned = errors.New("store: transaction id already assigned")
	// ErrBookingAlreadyPaid is returned when another transaction of the booking already succeeded.
	ErrBookingAlreadyPaid = errors.New("store: booking already has a successful payment")
	// ErrStatusConflict is returned when finalising a transaction whose stored status is failed or cancelled.
	ErrStatusConflict = errors.New("store: stored status conflicts with requested status")
	// ErrPaymentNotFound is returned when no payment is finalised for the transaction.
	ErrPaymentNotFound = errors.New("store: payment not found")
	// ErrInvalidStatus is returned for a status outside the canonical set.
	ErrInvalidStatus = errors.New("store: invalid status")
)

// AttemptDetails are the customer and amount fields recorded on a new attempt.
type AttemptDetails struct {
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
}

// Attempt is one payment try for a booking reference.
type Attempt struct {
	ID               string          `json:"id"`
	BookingReference string          `json:"bookingReference"`
	CustomerID       string          `json:"customerId"`
	CustomerName     string          `json:"customerName"`
	CustomerEmail    string          `json:"customerEmail"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           adapter.Status  `json:"status"`
	PaymentMethod    string          `json:"paymentMethod,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	TransactionID    string          `json:"transactionId,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// StatusExtra carries optional fields written alongside a status change.
type StatusExtra struct {
	PaymentMethod string
	Reason        string
}

// PaymentDetails are the provider-reported facts recorded on finalisation.
type PaymentDetails struct {
	PaymentMethod string
	PaymentDate   time.Time
	CardLast4     string
	CardBrand     string
}

// Payment is a finalised successful transaction.
type Payment struct {
	TransactionID    string          `json:"transactionId"`
	BookingReference string          `json:"bookingReference"`
	CustomerID       string          `json:"customerId"`
	CustomerName     string          `json:"customerName"`
	CustomerEmail    string          `json:"customerEmail"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentMethod    string          `json:"paymentMethod,omitempty"`
	Status           adapter.Status  `json:"status"`
	PaymentDate      time.Time       `json:"paymentDate"`
	CardLast4        string          `json:"cardLast4,omitempty"`
	CardBrand        string          `json:"cardBrand,omitempty"`
}

// Conflict records a transaction whose provider outcome differs from the
// terminal status stored locally. Conflicts are kept for manual resolution.
type Conflict struct {
	TransactionID    string         `json:"transactionId"`
	BookingReference string         `json:"bookingReference"`
	Provider         string         `json:"provider"`
	LocalStatus      adapter.Status `json:"localStatus"`
	ProviderStatus   adapter.Status `json:"providerStatus"`
	DetectedAt       time.Time      `json:"detectedAt"`
}

// TransactionStore is implemented by MemoryStore and PostgresStore.
type TransactionStore interface {
	// CreateAttempt opens a pending attempt for bookingRef.
	CreateAttempt(ctx context.Context, bookingRef string, details AttemptDetails) (string, error)
	// AssignTransaction binds the provider's transaction id to a pending attempt.
	AssignTransaction(ctx context.Context, attemptID, transactionID, provider string) error
	// AbandonAttempt fails a pending attempt whose initiation never produced a transaction.
	AbandonAttempt(ctx context.Context, attemptID, reason string) error
	// UpdateStatus moves a pending attempt to status and returns the stored
	// record. A terminal record is left unchanged and returned as is, so the
	// caller can compare the stored status with the one it tried to write.
	UpdateStatus(ctx context.Context, transactionID string, status adapter.Status, extra *StatusExtra) (Attempt, error)
	// FinalizeSuccess records the payment for a successful transaction.
	// Repeated calls for the same transaction are no-ops.
	FinalizeSuccess(ctx context.Context, transactionID string, details PaymentDetails) error

	GetByBookingReference(ctx context.Context, bookingRef string) ([]Attempt, error)
	GetByTransactionID(ctx context.Context, transactionID string) (Attempt, error)
	GetPayment(ctx context.Context, transactionID string) (Payment, error)
	// ListAttempts returns attempts created in [from, to). A zero bound is open.
	ListAttempts(ctx context.Context, from, to time.Time) ([]Attempt, error)

	// RecordConflict stores c once per transaction id and reports whether it was new.
	RecordConflict(ctx context.Context, c Conflict) (bool, error)
	ListConflicts(ctx context.Context) ([]Conflict, error)
}

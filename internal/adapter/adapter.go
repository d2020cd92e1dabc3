// Package adapter defines the canonical contract every payment provider
// adapter satisfies, and contains implementations for specific providers in
// its sub-packages. Adapters own all provider-specific concerns: payload
// shape, authentication, retries on transport failures, and mapping of the
// provider's status vocabulary and errors onto the canonical types here.
package adapter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the canonical transaction status shared by all providers.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// CanTransition reports whether a record in from may move to to.
// Only pending may move, and only into a terminal status; repeating the
// current status is allowed and is a no-op.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusPending && to.IsTerminal()
}

// Mode tags how an adapter was constructed.
type Mode string

const (
	ModeLive Mode = "live"
	ModeMock Mode = "mock"
)

// PaymentRequest is the canonical input to InitiatePayment.
type PaymentRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CustomerID       string          `json:"customerId"`
	CustomerName     string          `json:"customerName"`
	CustomerEmail    string          `json:"customerEmail"`
	PhoneNumber      string          `json:"phoneNumber,omitempty"`
	Country          string          `json:"country,omitempty"`
	BookingReference string          `json:"bookingReference"`
	Description      string          `json:"description"`
	// IdempotencyKey identifies the attempt; providers that support
	// idempotent creation receive it so a replayed call cannot open a second charge.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// PaymentResponse is the canonical output of InitiatePayment. Status is always pending.
type PaymentResponse struct {
	TransactionID string `json:"transactionId"`
	Status        Status `json:"status"`
	RedirectURL   string `json:"redirectUrl,omitempty"`
	ClientSecret  string `json:"clientSecret,omitempty"`
}

// CardDetails describes the card used, when the provider reports it.
type CardDetails struct {
	Last4 string `json:"last4"`
	Brand string `json:"brand"`
}

// Transaction is the provider's view of a transaction, normalised.
type Transaction struct {
	TransactionID string          `json:"transactionId"`
	Status        Status          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentDate   *time.Time      `json:"paymentDate,omitempty"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Card          *CardDetails    `json:"cardDetails,omitempty"`
	// ProviderStatus is the raw status string before mapping.
	ProviderStatus string `json:"providerStatus,omitempty"`
}

// PaymentGateway is implemented by each payment provider adapter.
type PaymentGateway interface {
	// GetName returns the provider name (e.g., "stripe", "flutterwave").
	GetName() string

	// InitiatePayment opens a transaction with the provider. On success the
	// returned status is pending. Transport failures before a transaction id
	// exists return *InitiationError; explicit rejections return *ProviderError.
	InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error)

	// CheckTransactionStatus reads the provider's current view of a
	// transaction. It has no side effects and is safe to poll; transport
	// failures return *TransientError.
	CheckTransactionStatus(ctx context.Context, transactionID string) (Transaction, error)
}

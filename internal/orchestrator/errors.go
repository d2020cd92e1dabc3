package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/store"
)

var (
	// ErrNoPaymentProviders blocks the payment step when every adapter is disabled.
	ErrNoPaymentProviders = errors.New("orchestrator: no payment providers available")
	// ErrAttemptLimit is returned when the retry policy denies another attempt.
	ErrAttemptLimit = errors.New("orchestrator: payment attempt not allowed")
	// ErrPaymentCancelled is returned by Await when the attempt was cancelled locally while polling.
	ErrPaymentCancelled = errors.New("orchestrator: payment cancelled")
)

// PaymentTimeoutError means polling gave up while the transaction was still
// pending. The transaction may still resolve; Await can be called again.
type PaymentTimeoutError struct {
	TransactionID string
	Provider      string
	Waited        time.Duration
}

func (e *PaymentTimeoutError) Error() string {
	return fmt.Sprintf("orchestrator: transaction %s at %s still pending after %s", e.TransactionID, e.Provider, e.Waited)
}

// PaymentFailedError is a provider outcome of failed or cancelled. A new attempt may follow.
type PaymentFailedError struct {
	TransactionID string
	Status        adapter.Status
	Reason        string
}

func (e *PaymentFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("orchestrator: transaction %s %s: %s", e.TransactionID, e.Status, e.Reason)
	}
	return fmt.Sprintf("orchestrator: transaction %s %s", e.TransactionID, e.Status)
}

// ReconciliationConflict means the provider's outcome differs from the
// terminal status recorded locally. It is never resolved automatically.
type ReconciliationConflict struct {
	Conflict store.Conflict
}

func (e *ReconciliationConflict) Error() string {
	c := e.Conflict
	return fmt.Sprintf("orchestrator: transaction %s of booking %s is %s at %s but %s locally",
		c.TransactionID, c.BookingReference, c.ProviderStatus, c.Provider, c.LocalStatus)
}

package adapter

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks missing or rejected provider credentials. It disables
// the adapter, not the process.
var ErrConfiguration = errors.New("adapter: provider configuration error")

// ErrTransactionNotFound marks a status check for a transaction the provider has no record of.
var ErrTransactionNotFound = errors.New("adapter: transaction not found")

// InitiationError is a network or configuration failure before the provider
// assigned a transaction id. Nothing needs cleaning up; retrying starts a new attempt.
type InitiationError struct {
	Provider string
	Err      error
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("%s: payment initiation failed: %v", e.Provider, e.Err)
}

func (e *InitiationError) Unwrap() error { return e.Err }

// ProviderError is an explicit rejection from the provider. Err optionally
// classifies it, e.g. ErrTransactionNotFound.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: provider rejected request (%s): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: provider rejected request: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TransientError is a status check that could not reach the provider. Callers retry with backoff.
type TransientError struct {
	Provider      string
	TransactionID string
	Err           error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: status check for %s failed: %v", e.Provider, e.TransactionID, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable status-check failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

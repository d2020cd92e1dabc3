package checkout

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/yourorg/travel-checkout/internal/booking"
)

var (
	// ErrInvalidTransition is returned for an operation the current step does not allow.
	ErrInvalidTransition = errors.New("checkout: invalid step transition")
	// ErrNoActivePayment is returned when awaiting or cancelling without an attempt in flight.
	ErrNoActivePayment = errors.New("checkout: no payment in progress")
	// ErrPaymentInProgress blocks leaving the payment step while an attempt is in flight.
	ErrPaymentInProgress = errors.New("checkout: payment in progress")
	// ErrReferencesExhausted is returned when Begin could not draw an unused booking reference.
	ErrReferencesExhausted = errors.New("checkout: no unused booking reference")
)

// ValidationError carries field-level messages for a rejected step submission.
// The draft stays on Step.
type ValidationError struct {
	Step   booking.Step
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("checkout: invalid %s: %s", e.Step, strings.Join(keys, ", "))
}

func invalidTransition(from booking.Step, action string) error {
	return fmt.Errorf("%w: cannot %s at step %s", ErrInvalidTransition, action, from)
}

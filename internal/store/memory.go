package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/clock"
)

// MemoryStore is a mutex-serialised in-process TransactionStore.
type MemoryStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	attempts  map[string]*Attempt // by attempt id
	byTx      map[string]string   // transaction id -> attempt id
	byRef     map[string][]string // booking reference -> attempt ids in creation order
	payments  map[string]Payment
	conflicts map[string]Conflict
}

// NewMemoryStore creates an empty MemoryStore. A nil clock uses wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{
		clock:     c,
		attempts:  make(map[string]*Attempt),
		byTx:      make(map[string]string),
		byRef:     make(map[string][]string),
		payments:  make(map[string]Payment),
		conflicts: make(map[string]Conflict),
	}
}

// CreateAttempt implements TransactionStore.
func (s *MemoryStore) CreateAttempt(ctx context.Context, bookingRef string, details AttemptDetails) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byRef[bookingRef] {
		if s.attempts[id].Status == adapter.StatusPending {
			return "", fmt.Errorf("%w: %s", ErrDuplicateActiveAttempt, bookingRef)
		}
	}

	now := s.clock.Now()
	a := &Attempt{
		ID:               uuid.NewString(),
		BookingReference: bookingRef,
		CustomerID:       details.CustomerID,
		CustomerName:     details.CustomerName,
		CustomerEmail:    details.CustomerEmail,
		Amount:           details.Amount,
		Currency:         details.Currency,
		Status:           adapter.StatusPending,
		PaymentMethod:    details.PaymentMethod,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.attempts[a.ID] = a
	s.byRef[bookingRef] = append(s.byRef[bookingRef], a.ID)
	return a.ID, nil
}

// AssignTransaction implements TransactionStore.
func (s *MemoryStore) AssignTransaction(ctx context.Context, attemptID, transactionID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAttempt, attemptID)
	}
	if owner, taken := s.byTx[transactionID]; taken {
		if owner == attemptID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTransactionAssigned, transactionID)
	}
	if a.TransactionID != "" {
		return fmt.Errorf("%w: attempt %s already has %s", ErrTransactionAssigned, attemptID, a.TransactionID)
	}
	a.TransactionID = transactionID
	a.Provider = provider
	a.UpdatedAt = s.clock.Now()
	s.byTx[transactionID] = attemptID
	return nil
}

// AbandonAttempt implements TransactionStore.
func (s *MemoryStore) AbandonAttempt(ctx context.Context, attemptID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAttempt, attemptID)
	}
	if a.Status.IsTerminal() {
		return nil
	}
	a.Status = adapter.StatusFailed
	a.FailureReason = reason
	a.UpdatedAt = s.clock.Now()
	return nil
}

// UpdateStatus implements TransactionStore.
func (s *MemoryStore) UpdateStatus(ctx context.Context, transactionID string, status adapter.Status, extra *StatusExtra) (Attempt, error) {
	if !status.Valid() {
		return Attempt{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.byTransactionLocked(transactionID)
	if err != nil {
		return Attempt{}, err
	}
	if a.Status == status || !adapter.CanTransition(a.Status, status) {
		return *a, nil
	}
	a.Status = status
	if extra != nil {
		if extra.PaymentMethod != "" {
			a.PaymentMethod = extra.PaymentMethod
		}
		if extra.Reason != "" {
			a.FailureReason = extra.Reason
		}
	}
	a.UpdatedAt = s.clock.Now()
	return *a, nil
}

// FinalizeSuccess implements TransactionStore.
func (s *MemoryStore) FinalizeSuccess(ctx context.Context, transactionID string, details PaymentDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.byTransactionLocked(transactionID)
	if err != nil {
		return err
	}
	if _, done := s.payments[transactionID]; done {
		return nil
	}
	if a.Status != adapter.StatusPending && a.Status != adapter.StatusSuccess {
		return fmt.Errorf("%w: %s is %s", ErrStatusConflict, transactionID, a.Status)
	}
	for _, p := range s.payments {
		if p.BookingReference == a.BookingReference && p.Status == adapter.StatusSuccess {
			return fmt.Errorf("%w: %s paid by %s", ErrBookingAlreadyPaid, a.BookingReference, p.TransactionID)
		}
	}

	now := s.clock.Now()
	a.Status = adapter.StatusSuccess
	if details.PaymentMethod != "" {
		a.PaymentMethod = details.PaymentMethod
	}
	a.UpdatedAt = now

	paidAt := details.PaymentDate
	if paidAt.IsZero() {
		paidAt = now
	}
	s.payments[transactionID] = Payment{
		TransactionID:    transactionID,
		BookingReference: a.BookingReference,
		CustomerID:       a.CustomerID,
		CustomerName:     a.CustomerName,
		CustomerEmail:    a.CustomerEmail,
		Amount:           a.Amount,
		Currency:         a.Currency,
		PaymentMethod:    a.PaymentMethod,
		Status:           adapter.StatusSuccess,
		PaymentDate:      paidAt,
		CardLast4:        details.CardLast4,
		CardBrand:        details.CardBrand,
	}
	return nil
}

// GetByBookingReference implements TransactionStore.
func (s *MemoryStore) GetByBookingReference(ctx context.Context, bookingRef string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byRef[bookingRef]
	out := make([]Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.attempts[id])
	}
	return out, nil
}

// GetByTransactionID implements TransactionStore.
func (s *MemoryStore) GetByTransactionID(ctx context.Context, transactionID string) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.byTransactionLocked(transactionID)
	if err != nil {
		return Attempt{}, err
	}
	return *a, nil
}

// GetPayment implements TransactionStore.
func (s *MemoryStore) GetPayment(ctx context.Context, transactionID string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[transactionID]
	if !ok {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, transactionID)
	}
	return p, nil
}

// ListAttempts implements TransactionStore.
func (s *MemoryStore) ListAttempts(ctx context.Context, from, to time.Time) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Attempt
	for _, a := range s.attempts {
		if !from.IsZero() && a.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !a.CreatedAt.Before(to) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RecordConflict implements TransactionStore.
func (s *MemoryStore) RecordConflict(ctx context.Context, c Conflict) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.conflicts[c.TransactionID]; seen {
		return false, nil
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.clock.Now()
	}
	s.conflicts[c.TransactionID] = c
	return true, nil
}

// ListConflicts implements TransactionStore.
func (s *MemoryStore) ListConflicts(ctx context.Context) ([]Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

func (s *MemoryStore) byTransactionLocked(transactionID string) (*Attempt, error) {
	id, ok := s.byTx[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	return s.attempts[id], nil
}

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/yourorg/travel-checkout/internal/booking"
)

// MemoryStore keeps drafts in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[string]*booking.Draft
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string]*booking.Draft)}
}

func (s *MemoryStore) Create(ctx context.Context, draft *booking.Draft) error {
	if draft == nil || draft.Reference == "" {
		return fmt.Errorf("session: draft without reference")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.drafts[draft.Reference]; taken {
		return fmt.Errorf("%w: %s", ErrExists, draft.Reference)
	}
	s.drafts[draft.Reference] = draft.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, reference string) (*booking.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drafts[reference]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	return d.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, draft *booking.Draft) error {
	if draft == nil || draft.Reference == "" {
		return fmt.Errorf("session: draft without reference")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[draft.Reference] = draft.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, reference)
	return nil
}

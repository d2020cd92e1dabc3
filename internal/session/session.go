// Package session persists booking drafts between checkout requests.
package session

import (
	"context"
	"errors"

	"github.com/yourorg/travel-checkout/internal/booking"
)

var (
	// ErrNotFound is returned when no draft exists for a reference.
	ErrNotFound = errors.New("session: draft not found")
	// ErrExists is returned by Create when the reference already holds a draft.
	ErrExists = errors.New("session: reference already in use")
)

// Store loads and saves drafts by booking reference. Implementations return
// copies, so a caller mutating a loaded draft must Save it to persist.
type Store interface {
	// Create saves a new draft, failing with ErrExists if its reference is taken.
	Create(ctx context.Context, draft *booking.Draft) error
	Get(ctx context.Context, reference string) (*booking.Draft, error)
	Save(ctx context.Context, draft *booking.Draft) error
	Delete(ctx context.Context, reference string) error
}

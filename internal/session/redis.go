package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/travel-checkout/internal/booking"
)

// DefaultTTL is how long an untouched draft survives in Redis.
const DefaultTTL = 2 * time.Hour

// RedisStore keeps drafts as JSON values under "checkout:draft:<reference>".
// Every Save refreshes the expiry.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore wraps client. A non-positive ttl uses DefaultTTL.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func draftKey(reference string) string {
	return fmt.Sprintf("checkout:draft:%s", reference)
}

// Create claims the reference with SET NX.
func (s *RedisStore) Create(ctx context.Context, draft *booking.Draft) error {
	if draft == nil || draft.Reference == "" {
		return fmt.Errorf("session: draft without reference")
	}
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", draft.Reference, err)
	}
	ok, err := s.client.SetNX(ctx, draftKey(draft.Reference), raw, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("session: create %s: %w", draft.Reference, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, draft.Reference)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, reference string) (*booking.Draft, error) {
	raw, err := s.client.Get(ctx, draftKey(reference)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", reference, err)
	}
	var d booking.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", reference, err)
	}
	return &d, nil
}

func (s *RedisStore) Save(ctx context.Context, draft *booking.Draft) error {
	if draft == nil || draft.Reference == "" {
		return fmt.Errorf("session: draft without reference")
	}
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", draft.Reference, err)
	}
	if err := s.client.Set(ctx, draftKey(draft.Reference), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: save %s: %w", draft.Reference, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, reference string) error {
	if err := s.client.Del(ctx, draftKey(reference)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", reference, err)
	}
	return nil
}

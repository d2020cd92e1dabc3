package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourorg/travel-checkout/internal/clock"
)

// TestPostgresStore runs the store contract against a real database.
// Set CHECKOUT_TEST_DATABASE_URL to a disposable database to enable it.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CHECKOUT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHECKOUT_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := OpenPostgres(ctx, DBConfig{URL: url, MaxAttempts: 3, RetryDelay: time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runStoreContract(t, func(t *testing.T, c clock.Clock) TransactionStore {
		s := NewPostgresStore(db, c)
		require.NoError(t, s.Migrate(ctx))
		_, err := db.ExecContext(ctx, `TRUNCATE payment_attempts, payments, payment_conflicts`)
		require.NoError(t, err)
		return s
	})
}

package mock

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/clock"
	"github.com/yourorg/travel-checkout/internal/store"
)

func testRequest() adapter.PaymentRequest {
	return adapter.PaymentRequest{
		Amount:           decimal.NewFromInt(880),
		Currency:         "USD",
		CustomerID:       "ada@example.com",
		CustomerName:     "Ada Lovelace",
		CustomerEmail:    "ada@example.com",
		BookingReference: "ABC234",
		Description:      "Booking ABC234",
	}
}

func TestNewMockAdapter(t *testing.T) {
	m := NewMockAdapter("test_mock")
	require.NotNil(t, m)
	assert.Equal(t, "test_mock", m.GetName())
	assert.Equal(t, defaultResolveAfter, m.resolveAfter)
}

func TestMockAdapter_ResolvesAfterDelay(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	m := New(Config{Name: "mock", ResolveAfter: 5 * time.Second, Clock: fake, Decider: Always(adapter.StatusSuccess)})
	ctx := context.Background()

	resp, err := m.InitiatePayment(ctx, testRequest())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.TransactionID, "mock_"))
	assert.Equal(t, adapter.StatusPending, resp.Status)
	assert.NotEmpty(t, resp.RedirectURL)

	tx, err := m.CheckTransactionStatus(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusPending, tx.Status)

	fake.Advance(4 * time.Second)
	tx, err = m.CheckTransactionStatus(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusPending, tx.Status)

	fake.Advance(time.Second)
	tx, err = m.CheckTransactionStatus(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusSuccess, tx.Status)
	require.NotNil(t, tx.Card)
	assert.Equal(t, "4242", tx.Card.Last4)
	require.NotNil(t, tx.PaymentDate)
	assert.True(t, decimal.NewFromInt(880).Equal(tx.Amount))
}

func TestMockAdapter_ResolvesFromSharedRecords(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	records := store.NewMemoryStore(fake)
	ctx := context.Background()
	newAdapter := func() *MockAdapter {
		return New(Config{Name: "mock", ResolveAfter: 5 * time.Second, Clock: fake, Decider: RandomDecider(0.5), Records: records})
	}

	m := newAdapter()
	attemptID, err := records.CreateAttempt(ctx, "ABC234", store.AttemptDetails{Amount: decimal.NewFromInt(880), Currency: "USD"})
	require.NoError(t, err)
	resp, err := m.InitiatePayment(ctx, testRequest())
	require.NoError(t, err)
	require.NoError(t, records.AssignTransaction(ctx, attemptID, resp.TransactionID, "mock"))

	tx, err := m.CheckTransactionStatus(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusPending, tx.Status)
	assert.Equal(t, "USD", tx.Currency)

	fake.Advance(5 * time.Second)
	first, err := m.CheckTransactionStatus(ctx, resp.TransactionID)
	require.NoError(t, err)
	require.True(t, first.Status.IsTerminal())

	// A fresh adapter over the same records resolves the transaction the same way.
	restarted := newAdapter()
	for i := 0; i < 3; i++ {
		again, err := restarted.CheckTransactionStatus(ctx, resp.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, first.Status, again.Status)
	}
}

func TestMockAdapter_NonTerminalDecisionFails(t *testing.T) {
	m := New(Config{Name: "mock", Clock: clock.NewFake(time.Now()), Decider: Always(adapter.StatusPending)})
	ctx := context.Background()

	resp, err := m.InitiatePayment(ctx, testRequest())
	require.NoError(t, err)
	tx, err := m.CheckTransactionStatus(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusFailed, tx.Status)
}

func TestRandomDecider(t *testing.T) {
	decide := RandomDecider(0.5)
	successes := 0
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("mock_%03d", i)
		first := decide(id)
		assert.Equal(t, first, decide(id), "same id decides the same way")
		if first == adapter.StatusSuccess {
			successes++
		}
	}
	assert.Greater(t, successes, 50)
	assert.Less(t, successes, 150)

	assert.Equal(t, adapter.StatusSuccess, RandomDecider(1)("mock_x"))
	assert.Equal(t, adapter.StatusFailed, RandomDecider(0)("mock_x"))
}

func TestMockAdapter_UnknownTransaction(t *testing.T) {
	m := New(Config{Name: "mock"})
	_, err := m.CheckTransactionStatus(context.Background(), "mock_missing")
	var pe *adapter.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "not_found", pe.Code)
	assert.ErrorIs(t, err, adapter.ErrTransactionNotFound)
}

func TestMockAdapter_RejectsNonPositiveAmount(t *testing.T) {
	m := New(Config{Name: "mock"})
	req := testRequest()
	req.Amount = decimal.Zero
	_, err := m.InitiatePayment(context.Background(), req)
	var pe *adapter.ProviderError
	require.ErrorAs(t, err, &pe)
}

func TestMockAdapter_WithCustomFuncs(t *testing.T) {
	m := NewMockAdapter("custom_mock")
	expectedErr := fmt.Errorf("custom processing error")
	m.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.PaymentResponse, error) {
		return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: "custom_mock", Err: expectedErr}
	}
	m.StatusFunc = func(ctx context.Context, id string) (adapter.Transaction, error) {
		return adapter.Transaction{TransactionID: id, Status: adapter.StatusCancelled}, nil
	}

	_, err := m.InitiatePayment(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, expectedErr)

	tx, err := m.CheckTransactionStatus(context.Background(), "tx-custom")
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusCancelled, tx.Status)
}

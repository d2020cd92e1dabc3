package checkout

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/booking"
	"github.com/yourorg/travel-checkout/internal/orchestrator"
	"github.com/yourorg/travel-checkout/internal/session"
	"github.com/yourorg/travel-checkout/internal/store"
)

func newTestService(t *testing.T, opts harnessOptions) (*Service, *harness) {
	t.Helper()
	h := newHarness(t, opts)
	return NewService(h.engine, session.NewMemoryStore(), nil), h
}

func TestService_PersistsDraftBetweenCalls(t *testing.T) {
	svc, _ := newTestService(t, harnessOptions{})
	ctx := context.Background()

	d, err := svc.Begin(ctx, scenarioItems(), "usd")
	require.NoError(t, err)
	ref := d.Reference

	bad := validContact()
	bad.Email = "not-an-email"
	d, err = svc.SubmitContact(ctx, ref, bad)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, booking.StepContact, d.Step)

	d, err = svc.SubmitContact(ctx, ref, validContact())
	require.NoError(t, err)
	assert.Equal(t, booking.StepPassengers, d.Step)

	stored, err := svc.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, booking.StepPassengers, stored.Step)
	require.NotNil(t, stored.Contact)
	assert.Equal(t, "ada@example.com", stored.Contact.Email)

	d, err = svc.Back(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, booking.StepContact, d.Step)

	summary, err := svc.Summary(ctx, ref)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("880").Equal(summary.Total))
}

func TestService_UnknownReference(t *testing.T) {
	svc, _ := newTestService(t, harnessOptions{})
	ctx := context.Background()

	_, err := svc.Get(ctx, "NOPE22")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = svc.SubmitContact(ctx, "NOPE22", validContact())
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = svc.AwaitPayment(ctx, "NOPE22")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

// sameSeedEngine draws the same references as the harness engine and shares its payments.
func sameSeedEngine(t *testing.T, h *harness) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		TaxRate:    h.engine.taxRate,
		Payments:   h.engine.payments,
		References: booking.NewReferenceGenerator(rand.New(rand.NewPCG(1, 2))),
		Clock:      h.clock,
	})
	require.NoError(t, err)
	return e
}

func TestService_BeginSkipsReferencesInUse(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sessions := session.NewMemoryStore()
	svc := NewService(h.engine, sessions, nil)
	ctx := context.Background()

	first, err := svc.Begin(ctx, scenarioItems(), "usd")
	require.NoError(t, err)
	_, err = svc.SubmitContact(ctx, first.Reference, validContact())
	require.NoError(t, err)

	t.Run("LiveDraft", func(t *testing.T) {
		twin := NewService(sameSeedEngine(t, h), sessions, nil)
		d, err := twin.Begin(ctx, scenarioItems(), "usd")
		require.NoError(t, err)
		assert.NotEqual(t, first.Reference, d.Reference)

		kept, err := svc.Get(ctx, first.Reference)
		require.NoError(t, err)
		assert.Equal(t, booking.StepPassengers, kept.Step, "existing draft not overwritten")
	})

	t.Run("PaymentHistory", func(t *testing.T) {
		_, err := h.store.CreateAttempt(ctx, first.Reference, store.AttemptDetails{Amount: decimal.NewFromInt(880), Currency: "USD"})
		require.NoError(t, err)

		// The draft expired but its payment attempts remain.
		fresh := NewService(sameSeedEngine(t, h), session.NewMemoryStore(), nil)
		d, err := fresh.Begin(ctx, scenarioItems(), "usd")
		require.NoError(t, err)
		assert.NotEqual(t, first.Reference, d.Reference)
	})
}

func toPayment(t *testing.T, svc *Service) string {
	t.Helper()
	ctx := context.Background()
	d, err := svc.Begin(ctx, scenarioItems(), "usd")
	require.NoError(t, err)
	_, err = svc.SubmitContact(ctx, d.Reference, validContact())
	require.NoError(t, err)
	d, err = svc.SubmitPassengers(ctx, d.Reference, validPassengers())
	require.NoError(t, err)
	require.Equal(t, booking.StepPayment, d.Step)
	return d.Reference
}

func TestService_SubmitPayment_Confirms(t *testing.T) {
	svc, h := newTestService(t, harnessOptions{resolveAfter: 2 * time.Second})
	ctx := context.Background()
	ref := toPayment(t, svc)

	res, err := svc.SubmitPayment(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, adapter.StatusSuccess, res.Outcome.Status)
	assert.Equal(t, "mock", res.Handle.Provider)
	assert.Equal(t, booking.StepConfirmation, res.Draft.Step)

	stored, err := svc.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, booking.StepConfirmation, stored.Step)
	assert.Equal(t, res.Outcome.TransactionID, stored.ConfirmedTransactionID)

	p, err := h.store.GetPayment(ctx, stored.ConfirmedTransactionID)
	require.NoError(t, err)
	assert.Equal(t, ref, p.BookingReference)
}

func TestService_TimeoutThenAwait(t *testing.T) {
	svc, h := newTestService(t, harnessOptions{resolveAfter: time.Minute})
	ctx := context.Background()
	ref := toPayment(t, svc)

	res, err := svc.SubmitPayment(ctx, ref)
	var timeout *orchestrator.PaymentTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.NotNil(t, res.Draft.Payment)
	assert.Equal(t, timeout.TransactionID, res.Draft.Payment.TransactionID)

	_, err = svc.Back(ctx, ref)
	assert.ErrorIs(t, err, ErrPaymentInProgress)

	h.clock.Advance(time.Minute)
	res, err = svc.AwaitPayment(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, booking.StepConfirmation, res.Draft.Step)
}

func TestService_CancelInterruptsAwait(t *testing.T) {
	svc, h := newTestService(t, harnessOptions{})
	ctx := context.Background()
	ref := toPayment(t, svc)

	polling := make(chan struct{}, 1)
	h.provider.StatusFunc = func(ctx context.Context, id string) (adapter.Transaction, error) {
		select {
		case polling <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return adapter.Transaction{}, &adapter.TransientError{Provider: "mock", TransactionID: id, Err: ctx.Err()}
	}

	type result struct {
		res PaymentResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := svc.SubmitPayment(ctx, ref)
		done <- result{res, err}
	}()

	select {
	case <-polling:
	case <-time.After(5 * time.Second):
		t.Fatal("payment never started polling")
	}

	d, err := svc.CancelPayment(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, d.Payment)

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not interrupt the wait")
	}
	assert.ErrorIs(t, r.err, orchestrator.ErrPaymentCancelled)
	require.NotNil(t, r.res.Draft)
	assert.Equal(t, booking.StepPayment, r.res.Draft.Step)
	assert.Nil(t, r.res.Draft.Payment)

	a, err := h.store.GetByTransactionID(ctx, r.res.Handle.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusCancelled, a.Status)
}

func TestService_CancelWithoutPayment(t *testing.T) {
	svc, _ := newTestService(t, harnessOptions{})
	ref := toPayment(t, svc)

	_, err := svc.CancelPayment(context.Background(), ref)
	assert.ErrorIs(t, err, ErrNoActivePayment)
}

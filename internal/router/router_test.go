package router_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/travel-checkout/internal/adapter"
	adaptermock "github.com/yourorg/travel-checkout/internal/adapter/mock"
	"github.com/yourorg/travel-checkout/internal/clock"
	"github.com/yourorg/travel-checkout/internal/router"
	"github.com/yourorg/travel-checkout/internal/router/circuitbreaker"
)

// MockProcessor is a testify mock of router.ProcessorInterface.
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Initiate(ctx context.Context, gw adapter.PaymentGateway, req adapter.PaymentRequest) (adapter.PaymentResponse, error) {
	args := m.Called(ctx, gw, req)
	resp, _ := args.Get(0).(adapter.PaymentResponse)
	return resp, args.Error(1)
}

func (m *MockProcessor) CheckStatus(ctx context.Context, gw adapter.PaymentGateway, transactionID string) (adapter.Transaction, error) {
	args := m.Called(ctx, gw, transactionID)
	tx, _ := args.Get(0).(adapter.Transaction)
	return tx, args.Error(1)
}

type setup struct {
	router   *router.Router
	proc     *MockProcessor
	cb       *circuitbreaker.CircuitBreaker
	clock    *clock.Fake
	primary  *adaptermock.MockAdapter
	fallback *adaptermock.MockAdapter
}

func newSetup(t *testing.T, cbCfg circuitbreaker.Config) setup {
	t.Helper()
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cbCfg.Clock = fake
	s := setup{
		proc:     new(MockProcessor),
		cb:       circuitbreaker.NewCircuitBreaker(cbCfg),
		clock:    fake,
		primary:  adaptermock.NewMockAdapter("flutterwave"),
		fallback: adaptermock.NewMockAdapter("stripe"),
	}
	adapters := map[string]adapter.PaymentGateway{"flutterwave": s.primary, "stripe": s.fallback}
	r, err := router.NewRouter(s.proc, adapters, router.RouterConfig{PrimaryProviderName: "flutterwave", FallbackProviderName: "stripe"}, s.cb, nil)
	require.NoError(t, err)
	s.router = r
	return s
}

var req = adapter.PaymentRequest{Amount: decimal.NewFromInt(880), Currency: "USD", BookingReference: "ABC234"}

func TestNewRouter(t *testing.T) {
	proc := new(MockProcessor)
	adapters := map[string]adapter.PaymentGateway{
		"stripe":      adaptermock.NewMockAdapter("stripe"),
		"flutterwave": adaptermock.NewMockAdapter("flutterwave"),
	}

	t.Run("UnknownPrimary", func(t *testing.T) {
		_, err := router.NewRouter(proc, adapters, router.RouterConfig{PrimaryProviderName: "nonexistent"}, nil, nil)
		assert.Error(t, err)
	})
	t.Run("UnknownFallback", func(t *testing.T) {
		_, err := router.NewRouter(proc, adapters, router.RouterConfig{PrimaryProviderName: "stripe", FallbackProviderName: "nonexistent"}, nil, nil)
		assert.Error(t, err)
	})
	t.Run("DefaultPrimaryIsFirstByName", func(t *testing.T) {
		r, err := router.NewRouter(proc, adapters, router.RouterConfig{}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"flutterwave"}, r.Available())
	})
	t.Run("NoAdapters", func(t *testing.T) {
		r, err := router.NewRouter(proc, nil, router.RouterConfig{}, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, r.Available())
		_, _, err = r.InitiatePayment(context.Background(), req)
		assert.ErrorIs(t, err, router.ErrNoAdapters)
	})
	t.Run("NilProcessor", func(t *testing.T) {
		_, err := router.NewRouter(nil, adapters, router.RouterConfig{}, nil, nil)
		assert.Error(t, err)
	})
}

func TestRouter_InitiatePayment(t *testing.T) {
	t.Run("PrimarySucceeds", func(t *testing.T) {
		s := newSetup(t, circuitbreaker.Config{})
		s.proc.On("Initiate", mock.Anything, s.primary, req).Return(adapter.PaymentResponse{TransactionID: "fw-1", Status: adapter.StatusPending}, nil).Once()

		resp, provider, err := s.router.InitiatePayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "flutterwave", provider)
		assert.Equal(t, "fw-1", resp.TransactionID)
		s.proc.AssertExpectations(t)
	})

	t.Run("FallbackOnInitiationError", func(t *testing.T) {
		s := newSetup(t, circuitbreaker.Config{})
		s.proc.On("Initiate", mock.Anything, s.primary, req).Return(adapter.PaymentResponse{}, &adapter.InitiationError{Provider: "flutterwave", Err: errors.New("dial tcp")}).Once()
		s.proc.On("Initiate", mock.Anything, s.fallback, req).Return(adapter.PaymentResponse{TransactionID: "pi_1", Status: adapter.StatusPending}, nil).Once()

		resp, provider, err := s.router.InitiatePayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "stripe", provider)
		assert.Equal(t, "pi_1", resp.TransactionID)
		_, failures := s.cb.GetProviderStatus("flutterwave")
		assert.Equal(t, 1, failures)
		s.proc.AssertExpectations(t)
	})

	t.Run("NoFallbackOnRejection", func(t *testing.T) {
		s := newSetup(t, circuitbreaker.Config{})
		s.proc.On("Initiate", mock.Anything, s.primary, req).Return(adapter.PaymentResponse{}, &adapter.ProviderError{Provider: "flutterwave", Message: "Invalid currency"}).Once()

		_, provider, err := s.router.InitiatePayment(context.Background(), req)
		var pe *adapter.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "flutterwave", provider)
		s.proc.AssertNotCalled(t, "Initiate", mock.Anything, s.fallback, req)
	})

	t.Run("BothFail", func(t *testing.T) {
		s := newSetup(t, circuitbreaker.Config{})
		fbErr := &adapter.InitiationError{Provider: "stripe", Err: errors.New("503")}
		s.proc.On("Initiate", mock.Anything, s.primary, req).Return(adapter.PaymentResponse{}, &adapter.InitiationError{Provider: "flutterwave", Err: errors.New("dial tcp")}).Once()
		s.proc.On("Initiate", mock.Anything, s.fallback, req).Return(adapter.PaymentResponse{}, fbErr).Once()

		_, _, err := s.router.InitiatePayment(context.Background(), req)
		assert.Equal(t, fbErr, err)
	})

	t.Run("OpenCircuitSkipsPrimaryThenRecovers", func(t *testing.T) {
		s := newSetup(t, circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute})
		s.proc.On("Initiate", mock.Anything, s.primary, req).Return(adapter.PaymentResponse{}, &adapter.InitiationError{Provider: "flutterwave", Err: errors.New("dial tcp")}).Once()
		s.proc.On("Initiate", mock.Anything, s.fallback, req).Return(adapter.PaymentResponse{TransactionID: "pi_1"}, nil).Twice()

		_, provider, err := s.router.InitiatePayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "stripe", provider)
		assert.Equal(t, "Open", s.router.ProviderStatus()["flutterwave"])

		_, provider, err = s.router.InitiatePayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "stripe", provider, "primary skipped while open")

		s.clock.Advance(time.Minute)
		s.proc.On("Initiate", mock.Anything, s.primary, req).Return(adapter.PaymentResponse{TransactionID: "fw-2"}, nil).Once()
		_, provider, err = s.router.InitiatePayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "flutterwave", provider)
		assert.Equal(t, "Closed", s.router.ProviderStatus()["flutterwave"])
		s.proc.AssertExpectations(t)
	})

	t.Run("RejectedCredentialsDisableProvider", func(t *testing.T) {
		s := newSetup(t, circuitbreaker.Config{ResetTimeout: time.Minute})
		authErr := &adapter.InitiationError{Provider: "flutterwave", Err: fmt.Errorf("%w: invalid secret key", adapter.ErrConfiguration)}
		s.proc.On("Initiate", mock.Anything, s.primary, req).Return(adapter.PaymentResponse{}, authErr).Once()
		s.proc.On("Initiate", mock.Anything, s.fallback, req).Return(adapter.PaymentResponse{TransactionID: "pi_1"}, nil).Twice()

		_, provider, err := s.router.InitiatePayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "stripe", provider)
		assert.Equal(t, []string{"stripe"}, s.router.Available())
		assert.Equal(t, "Disabled", s.router.ProviderStatus()["flutterwave"])

		s.clock.Advance(time.Hour)
		_, provider, err = s.router.InitiatePayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "stripe", provider, "disabled provider stays out after the reset timeout")
		s.proc.AssertNumberOfCalls(t, "Initiate", 3)

		s.proc.On("CheckStatus", mock.Anything, s.primary, "fw-1").Return(adapter.Transaction{TransactionID: "fw-1", Status: adapter.StatusPending}, nil).Once()
		_, err = s.router.CheckTransactionStatus(context.Background(), "flutterwave", "fw-1")
		assert.NoError(t, err, "open transactions stay observable")
		s.proc.AssertExpectations(t)
	})

	t.Run("EveryProviderDisabled", func(t *testing.T) {
		s := newSetup(t, circuitbreaker.Config{})
		for name, gw := range map[string]*adaptermock.MockAdapter{"flutterwave": s.primary, "stripe": s.fallback} {
			s.proc.On("Initiate", mock.Anything, gw, req).Return(adapter.PaymentResponse{}, &adapter.InitiationError{Provider: name, Err: adapter.ErrConfiguration}).Once()
		}

		_, _, err := s.router.InitiatePayment(context.Background(), req)
		assert.ErrorIs(t, err, adapter.ErrConfiguration)
		assert.Empty(t, s.router.Available())

		_, _, err = s.router.InitiatePayment(context.Background(), req)
		assert.ErrorIs(t, err, router.ErrNoAdapters)
		s.proc.AssertExpectations(t)
	})

	t.Run("AllCircuitsOpen", func(t *testing.T) {
		s := newSetup(t, circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute})
		s.cb.RecordFailure("flutterwave")
		s.cb.RecordFailure("stripe")

		_, _, err := s.router.InitiatePayment(context.Background(), req)
		assert.ErrorIs(t, err, router.ErrAllCircuitsOpen)
		s.proc.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRouter_CheckTransactionStatus(t *testing.T) {
	s := newSetup(t, circuitbreaker.Config{FailureThreshold: 1})
	s.cb.RecordFailure("stripe")
	s.proc.On("CheckStatus", mock.Anything, s.fallback, "pi_1").Return(adapter.Transaction{TransactionID: "pi_1", Status: adapter.StatusSuccess}, nil).Once()

	tx, err := s.router.CheckTransactionStatus(context.Background(), "stripe", "pi_1")
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusSuccess, tx.Status, "status checks ignore the circuit")

	_, err = s.router.CheckTransactionStatus(context.Background(), "paypal", "x")
	assert.ErrorIs(t, err, router.ErrUnknownProvider)
	s.proc.AssertExpectations(t)
}

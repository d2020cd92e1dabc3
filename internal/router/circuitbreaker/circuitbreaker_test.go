package circuitbreaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/travel-checkout/internal/clock"
	"github.com/yourorg/travel-checkout/internal/router/circuitbreaker"
)

const (
	testProvider    = "flutterwave"
	anotherProvider = "stripe"
)

func newBreaker(cfg circuitbreaker.Config) (*circuitbreaker.CircuitBreaker, *clock.Fake) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg.Clock = fake
	return circuitbreaker.NewCircuitBreaker(cfg), fake
}

func TestNewCircuitBreaker(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		cb, _ := newBreaker(circuitbreaker.Config{})
		require.NotNil(t, cb)
		assert.True(t, cb.AllowRequest(testProvider))
		cb.RecordFailure(testProvider)
		cb.RecordFailure(testProvider)
		assert.True(t, cb.AllowRequest(testProvider), "still closed after 2 failures")
		cb.RecordFailure(testProvider)
		assert.False(t, cb.AllowRequest(testProvider), "open after 3 failures")
	})

	t.Run("CustomConfig", func(t *testing.T) {
		cb, _ := newBreaker(circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
		cb.RecordFailure(testProvider)
		assert.True(t, cb.AllowRequest(testProvider))
		cb.RecordFailure(testProvider)
		assert.False(t, cb.AllowRequest(testProvider))
	})
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	cfg := circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond}

	t.Run("ClosedToOpen", func(t *testing.T) {
		cb, _ := newBreaker(cfg)
		state, failures := cb.GetProviderStatus(testProvider)
		assert.Equal(t, circuitbreaker.StateClosed, state)
		assert.Equal(t, 0, failures)

		cb.RecordFailure(testProvider)
		state, failures = cb.GetProviderStatus(testProvider)
		assert.Equal(t, circuitbreaker.StateClosed, state)
		assert.Equal(t, 1, failures)

		cb.RecordFailure(testProvider)
		state, failures = cb.GetProviderStatus(testProvider)
		assert.Equal(t, circuitbreaker.StateOpen, state)
		assert.Equal(t, cfg.FailureThreshold, failures)
		assert.False(t, cb.AllowRequest(testProvider))
	})

	t.Run("OpenToHalfOpen", func(t *testing.T) {
		cb, fake := newBreaker(cfg)
		cb.RecordFailure(testProvider)
		cb.RecordFailure(testProvider)
		require.False(t, cb.AllowRequest(testProvider))

		fake.Advance(cfg.ResetTimeout)
		assert.True(t, cb.AllowRequest(testProvider))
		state, failures := cb.GetProviderStatus(testProvider)
		assert.Equal(t, circuitbreaker.StateHalfOpen, state)
		assert.Equal(t, 0, failures)
	})

	t.Run("HalfOpenToClosedOnSuccess", func(t *testing.T) {
		cb, fake := newBreaker(cfg)
		cb.RecordFailure(testProvider)
		cb.RecordFailure(testProvider)
		fake.Advance(cfg.ResetTimeout)
		require.True(t, cb.AllowRequest(testProvider))

		cb.RecordSuccess(testProvider)
		state, failures := cb.GetProviderStatus(testProvider)
		assert.Equal(t, circuitbreaker.StateClosed, state)
		assert.Equal(t, 0, failures)
	})

	t.Run("HalfOpenToOpenOnFailure", func(t *testing.T) {
		cb, fake := newBreaker(cfg)
		cb.RecordFailure(testProvider)
		cb.RecordFailure(testProvider)
		fake.Advance(cfg.ResetTimeout)
		require.True(t, cb.AllowRequest(testProvider))

		cb.RecordFailure(testProvider)
		state, failures := cb.GetProviderStatus(testProvider)
		assert.Equal(t, circuitbreaker.StateOpen, state)
		assert.Equal(t, cfg.FailureThreshold, failures)

		fake.Advance(cfg.ResetTimeout / 2)
		assert.False(t, cb.AllowRequest(testProvider), "open for a full reset timeout again")
	})
}

func TestCircuitBreaker_HalfOpenSuccessThreshold(t *testing.T) {
	cb, fake := newBreaker(circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenSuccessThreshold: 2})
	cb.RecordFailure(testProvider)
	fake.Advance(time.Second)
	require.True(t, cb.AllowRequest(testProvider))

	cb.RecordSuccess(testProvider)
	state, _ := cb.GetProviderStatus(testProvider)
	assert.Equal(t, circuitbreaker.StateHalfOpen, state)

	cb.RecordSuccess(testProvider)
	state, _ = cb.GetProviderStatus(testProvider)
	assert.Equal(t, circuitbreaker.StateClosed, state)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newBreaker(circuitbreaker.Config{FailureThreshold: 3})
	cb.RecordFailure(testProvider)
	cb.RecordFailure(testProvider)
	cb.RecordSuccess(testProvider)
	state, failures := cb.GetProviderStatus(testProvider)
	assert.Equal(t, circuitbreaker.StateClosed, state)
	assert.Equal(t, 0, failures)
}

func TestCircuitBreaker_MultipleProviders(t *testing.T) {
	cb, fake := newBreaker(circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: 50 * time.Millisecond})

	cb.RecordFailure(testProvider)
	assert.False(t, cb.AllowRequest(testProvider))
	assert.True(t, cb.AllowRequest(anotherProvider))

	fake.Advance(25 * time.Millisecond)
	cb.RecordFailure(anotherProvider)
	assert.False(t, cb.AllowRequest(anotherProvider))

	fake.Advance(25 * time.Millisecond)
	assert.True(t, cb.AllowRequest(testProvider), "first provider half-open")
	assert.False(t, cb.AllowRequest(anotherProvider), "second provider opened later")
}

func TestCircuitBreaker_RecordFailureWhileOpen(t *testing.T) {
	cb, _ := newBreaker(circuitbreaker.Config{FailureThreshold: 1})
	cb.RecordFailure(testProvider)
	cb.RecordFailure(testProvider)
	state, failures := cb.GetProviderStatus(testProvider)
	assert.Equal(t, circuitbreaker.StateOpen, state)
	assert.Equal(t, 1, failures)
}

func TestCircuitBreaker_UntrackedProvider(t *testing.T) {
	cb, _ := newBreaker(circuitbreaker.Config{})
	state, failures := cb.GetProviderStatus("untracked")
	assert.Equal(t, circuitbreaker.StateClosed, state)
	assert.Equal(t, 0, failures)
}

func TestCircuitBreaker_State_String(t *testing.T) {
	assert.Equal(t, "Closed", circuitbreaker.StateClosed.String())
	assert.Equal(t, "Open", circuitbreaker.StateOpen.String())
	assert.Equal(t, "HalfOpen", circuitbreaker.StateHalfOpen.String())
	assert.Equal(t, "Unknown", circuitbreaker.State(99).String())
}

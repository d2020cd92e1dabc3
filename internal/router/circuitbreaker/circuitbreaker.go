// Package circuitbreaker tracks payment provider health so the router can skip
// a provider that keeps failing to open transactions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/yourorg/travel-checkout/internal/clock"
)

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

const (
	defaultFailureThreshold         = 3
	defaultResetTimeout             = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 1
)

// Config tunes the breaker. Zero values take the defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial request.
	ResetTimeout time.Duration
	// HalfOpenSuccessThreshold is the number of trial successes that close it again.
	HalfOpenSuccessThreshold int
	Clock                    clock.Clock
}

type providerState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openUntil            time.Time
}

// CircuitBreaker is an in-memory per-provider circuit breaker.
type CircuitBreaker struct {
	mu        sync.Mutex
	providers map[string]*providerState
	cfg       Config
}

// NewCircuitBreaker creates a CircuitBreaker from cfg.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &CircuitBreaker{
		providers: make(map[string]*providerState),
		cfg:       cfg,
	}
}

// getProviderState must be called with mu held.
func (cb *CircuitBreaker) getProviderState(provider string) *providerState {
	ps, ok := cb.providers[provider]
	if !ok {
		ps = &providerState{state: StateClosed}
		cb.providers[provider] = ps
	}
	return ps
}

func (cb *CircuitBreaker) open(ps *providerState) {
	ps.state = StateOpen
	ps.consecutiveFailures = cb.cfg.FailureThreshold
	ps.consecutiveSuccesses = 0
	ps.openUntil = cb.cfg.Clock.Now().Add(cb.cfg.ResetTimeout)
}

// AllowRequest reports whether provider may be called. An open circuit whose
// reset timeout has passed moves to half-open and allows a trial request.
func (cb *CircuitBreaker) AllowRequest(provider string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getProviderState(provider)
	switch ps.state {
	case StateOpen:
		if cb.cfg.Clock.Now().Before(ps.openUntil) {
			return false
		}
		ps.state = StateHalfOpen
		ps.consecutiveFailures = 0
		ps.consecutiveSuccesses = 0
		return true
	default:
		return true
	}
}

// RecordFailure records a failed call to provider.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getProviderState(provider)
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures++
		if ps.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open(ps)
		}
	case StateHalfOpen:
		cb.open(ps)
	}
}

// RecordSuccess records a successful call to provider.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getProviderState(provider)
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures = 0
	case StateHalfOpen:
		ps.consecutiveSuccesses++
		if ps.consecutiveSuccesses >= cb.cfg.HalfOpenSuccessThreshold {
			ps.state = StateClosed
			ps.consecutiveFailures = 0
			ps.consecutiveSuccesses = 0
		}
	}
}

// GetProviderStatus returns the state and consecutive failure count for
// provider without transitioning it.
func (cb *CircuitBreaker) GetProviderStatus(provider string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ps, ok := cb.providers[provider]
	if !ok {
		return StateClosed, 0
	}
	return ps.state, ps.consecutiveFailures
}

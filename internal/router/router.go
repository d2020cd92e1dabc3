// Package router selects which provider adapter opens a payment and routes
// later status checks back to the provider that owns the transaction.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/router/circuitbreaker"
)

var (
	// ErrNoAdapters is returned when no provider is configured.
	ErrNoAdapters = errors.New("router: no payment providers configured")
	// ErrAllCircuitsOpen is returned when every configured provider is tripped.
	ErrAllCircuitsOpen = errors.New("router: all payment providers are unavailable")
	// ErrUnknownProvider is returned for a status check against an unregistered provider.
	ErrUnknownProvider = errors.New("router: unknown payment provider")
)

// ProcessorInterface is the instrumented call path to an adapter.
type ProcessorInterface interface {
	Initiate(ctx context.Context, gw adapter.PaymentGateway, req adapter.PaymentRequest) (adapter.PaymentResponse, error)
	CheckStatus(ctx context.Context, gw adapter.PaymentGateway, transactionID string) (adapter.Transaction, error)
}

// RouterConfig names the preferred providers. An empty primary selects the
// first registered adapter by name.
type RouterConfig struct {
	PrimaryProviderName  string
	FallbackProviderName string
}

// Router implements primary/fallback provider selection.
type Router struct {
	processor      ProcessorInterface
	adapters       map[string]adapter.PaymentGateway
	order          []string
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger

	mu sync.RWMutex
	// disabled holds providers whose credentials were rejected, with the error.
	disabled map[string]error
}

// NewRouter validates cfg against adapters. An empty adapter set is allowed;
// such a router reports no available providers.
func NewRouter(p ProcessorInterface, adapters map[string]adapter.PaymentGateway, cfg RouterConfig, cb *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*Router, error) {
	if p == nil {
		return nil, errors.New("router: processor cannot be nil")
	}
	if cb == nil {
		cb = circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		processor:      p,
		adapters:       make(map[string]adapter.PaymentGateway, len(adapters)),
		circuitBreaker: cb,
		logger:         logger,
		disabled:       make(map[string]error),
	}
	for name, a := range adapters {
		if a != nil {
			r.adapters[name] = a
		}
	}
	if len(r.adapters) == 0 {
		return r, nil
	}

	primary := cfg.PrimaryProviderName
	if primary == "" {
		names := make([]string, 0, len(r.adapters))
		for name := range r.adapters {
			names = append(names, name)
		}
		sort.Strings(names)
		primary = names[0]
	}
	if _, ok := r.adapters[primary]; !ok {
		return nil, fmt.Errorf("router: primary provider %q is not registered", primary)
	}
	r.order = []string{primary}

	if fb := cfg.FallbackProviderName; fb != "" && fb != primary {
		if _, ok := r.adapters[fb]; !ok {
			return nil, fmt.Errorf("router: fallback provider %q is not registered", fb)
		}
		r.order = append(r.order, fb)
	}
	return r, nil
}

// Available lists the providers a payment may be routed to, primary first.
// Disabled providers are left out.
func (r *Router) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if _, off := r.disabled[name]; !off {
			out = append(out, name)
		}
	}
	return out
}

// Disable takes provider out of routing for the life of the router. Status
// checks for its open transactions still go through.
func (r *Router) Disable(provider string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, off := r.disabled[provider]; off {
		return
	}
	r.disabled[provider] = cause
	r.logger.Error("payment provider disabled", zap.String("provider", provider), zap.Error(cause))
}

func (r *Router) isDisabled(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, off := r.disabled[provider]
	return off
}

// InitiatePayment opens a payment with the primary provider, falling back
// only when the primary could not be reached. An explicit provider rejection
// is returned as is. A provider that rejects its credentials is disabled.
// The returned string is the provider that accepted it.
func (r *Router) InitiatePayment(ctx context.Context, req adapter.PaymentRequest) (adapter.PaymentResponse, string, error) {
	if len(r.order) == 0 {
		return adapter.PaymentResponse{}, "", ErrNoAdapters
	}

	var lastErr error
	tried := 0
	for _, name := range r.order {
		if r.isDisabled(name) {
			continue
		}
		if !r.circuitBreaker.AllowRequest(name) {
			r.logger.Info("skipping provider with open circuit", zap.String("provider", name))
			continue
		}
		if tried > 0 {
			r.logger.Warn("falling back to secondary provider",
				zap.String("provider", name),
				zap.String("booking_reference", req.BookingReference),
				zap.Error(lastErr),
			)
		}

		tried++
		resp, err := r.processor.Initiate(ctx, r.adapters[name], req)
		if err == nil {
			r.circuitBreaker.RecordSuccess(name)
			return resp, name, nil
		}

		var pe *adapter.ProviderError
		if errors.As(err, &pe) {
			// The provider answered; its health is fine.
			r.circuitBreaker.RecordSuccess(name)
			return adapter.PaymentResponse{}, name, err
		}
		if errors.Is(err, adapter.ErrConfiguration) {
			r.Disable(name, err)
		} else {
			r.circuitBreaker.RecordFailure(name)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		if len(r.Available()) == 0 {
			return adapter.PaymentResponse{}, "", ErrNoAdapters
		}
		return adapter.PaymentResponse{}, "", ErrAllCircuitsOpen
	}
	return adapter.PaymentResponse{}, "", lastErr
}

// CheckTransactionStatus asks provider for the status of transactionID.
// Status checks bypass the circuit breaker: an open transaction must stay observable.
func (r *Router) CheckTransactionStatus(ctx context.Context, provider, transactionID string) (adapter.Transaction, error) {
	gw, ok := r.adapters[provider]
	if !ok {
		return adapter.Transaction{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return r.processor.CheckStatus(ctx, gw, transactionID)
}

// ProviderStatus reports the circuit state of each routed provider.
func (r *Router) ProviderStatus() map[string]string {
	out := make(map[string]string, len(r.order))
	for _, name := range r.order {
		if r.isDisabled(name) {
			out[name] = "Disabled"
			continue
		}
		state, _ := r.circuitBreaker.GetProviderStatus(name)
		out[name] = state.String()
	}
	return out
}

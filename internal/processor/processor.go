// Package processor wraps every provider adapter call with tracing, metrics
// and structured logging. It makes no routing decisions.
package processor

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/clock"
	"github.com/yourorg/travel-checkout/internal/observability"
)

// Config holds the processor's collaborators. Zero values are replaced with
// no-op implementations.
type Config struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	Clock   clock.Clock
}

// Processor invokes adapters and records what happened.
type Processor struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	clock   clock.Clock
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.Tracer()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Processor{logger: cfg.Logger, metrics: cfg.Metrics, tracer: cfg.Tracer, clock: cfg.Clock}
}

// Initiate calls gw.InitiatePayment.
func (p *Processor) Initiate(ctx context.Context, gw adapter.PaymentGateway, req adapter.PaymentRequest) (adapter.PaymentResponse, error) {
	provider := gw.GetName()
	ctx, span := p.tracer.Start(ctx, "Processor.Initiate", trace.WithAttributes(
		attribute.String("payment.provider", provider),
		attribute.String("booking.reference", req.BookingReference),
		attribute.String("payment.currency", req.Currency),
	))
	defer span.End()

	start := p.clock.Now()
	resp, err := gw.InitiatePayment(ctx, req)
	p.metrics.ProviderLatency.WithLabelValues(provider, "initiate").Observe(p.clock.Now().Sub(start).Seconds())

	logger := p.logger.With(
		zap.String("provider", provider),
		zap.String("booking_reference", req.BookingReference),
	)
	if err != nil {
		outcome := initiationOutcome(err)
		p.metrics.PaymentAttempts.WithLabelValues(provider, outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		logger.Warn("payment initiation failed", zap.String("outcome", outcome), zap.Error(err))
		return adapter.PaymentResponse{}, err
	}

	p.metrics.PaymentAttempts.WithLabelValues(provider, "initiated").Inc()
	span.SetAttributes(attribute.String("payment.transaction_id", resp.TransactionID))
	logger.Info("payment initiated",
		zap.String("transaction_id", resp.TransactionID),
		zap.Duration("latency", p.clock.Now().Sub(start)),
	)
	return resp, nil
}

// CheckStatus calls gw.CheckTransactionStatus.
func (p *Processor) CheckStatus(ctx context.Context, gw adapter.PaymentGateway, transactionID string) (adapter.Transaction, error) {
	provider := gw.GetName()
	ctx, span := p.tracer.Start(ctx, "Processor.CheckStatus", trace.WithAttributes(
		attribute.String("payment.provider", provider),
		attribute.String("payment.transaction_id", transactionID),
	))
	defer span.End()

	start := p.clock.Now()
	tx, err := gw.CheckTransactionStatus(ctx, transactionID)
	p.metrics.ProviderLatency.WithLabelValues(provider, "status").Observe(p.clock.Now().Sub(start).Seconds())
	if err != nil {
		label := "error"
		if adapter.IsTransient(err) {
			label = "transient_error"
		}
		p.metrics.StatusChecks.WithLabelValues(provider, label).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
		p.logger.Debug("status check failed",
			zap.String("provider", provider),
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
		return adapter.Transaction{}, err
	}

	p.metrics.StatusChecks.WithLabelValues(provider, string(tx.Status)).Inc()
	span.SetAttributes(
		attribute.String("payment.status", string(tx.Status)),
		attribute.String("payment.provider_status", tx.ProviderStatus),
	)
	return tx, nil
}

func initiationOutcome(err error) string {
	var pe *adapter.ProviderError
	var ie *adapter.InitiationError
	switch {
	case errors.As(err, &pe):
		return "rejected"
	case errors.Is(err, adapter.ErrConfiguration):
		return "misconfigured"
	case errors.As(err, &ie):
		return "initiation_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

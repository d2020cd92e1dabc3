// Package orchestrator runs the lifecycle of payment attempts for a booking:
// it gates new attempts through the retry policy, opens them through the
// provider router, polls until the provider reports a terminal status, and
// writes the outcome through the TransactionStore. Any disagreement between a
// terminal local record and the provider is surfaced as a ReconciliationConflict.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/clock"
	"github.com/yourorg/travel-checkout/internal/observability"
	"github.com/yourorg/travel-checkout/internal/policy"
	"github.com/yourorg/travel-checkout/internal/store"
)

const (
	defaultPollInterval    = time.Second
	defaultPollMaxInterval = 8 * time.Second
	defaultPollTimeout     = 90 * time.Second
)

// Gateway opens payments and reads their status. It is satisfied by *router.Router.
type Gateway interface {
	Available() []string
	InitiatePayment(ctx context.Context, req adapter.PaymentRequest) (adapter.PaymentResponse, string, error)
	CheckTransactionStatus(ctx context.Context, provider, transactionID string) (adapter.Transaction, error)
}

// PolicyEnforcer decides whether another attempt may be opened.
type PolicyEnforcer interface {
	Evaluate(ac policy.AttemptContext) (policy.PolicyDecision, error)
}

// Config wires the orchestrator. Gateway and Store are required.
type Config struct {
	Gateway Gateway
	Store   store.TransactionStore
	Policy  PolicyEnforcer
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer

	// PollInterval is the first wait between status checks; it doubles up to PollMaxInterval.
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	// PollTimeout bounds one Await call.
	PollTimeout time.Duration
}

// PaymentOrder is what the checkout asks to be paid.
type PaymentOrder struct {
	BookingReference string
	Amount           decimal.Decimal
	Currency         string
	CustomerID       string
	CustomerName     string
	CustomerEmail    string
	PhoneNumber      string
	Country          string
	PaymentMethod    string
	Description      string
}

// Handle identifies an opened attempt.
type Handle struct {
	AttemptID     string `json:"attemptId"`
	TransactionID string `json:"transactionId"`
	Provider      string `json:"provider"`
	RedirectURL   string `json:"redirectUrl,omitempty"`
	ClientSecret  string `json:"clientSecret,omitempty"`
	// Resumed is set when Start found an attempt already in flight.
	Resumed bool `json:"resumed"`
}

// Outcome is the settled result of an attempt.
type Outcome struct {
	TransactionID string         `json:"transactionId"`
	Provider      string         `json:"provider"`
	Status        adapter.Status `json:"status"`
	Payment       *store.Payment `json:"payment,omitempty"`
}

// Orchestrator coordinates payment attempts.
type Orchestrator struct {
	gateway Gateway
	store   store.TransactionStore
	policy  PolicyEnforcer
	clock   clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	pollInterval    time.Duration
	pollMaxInterval time.Duration
	pollTimeout     time.Duration
}

// NewOrchestrator creates an Orchestrator. A nil Policy allows every attempt.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("orchestrator: gateway cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: transaction store cannot be nil")
	}
	if cfg.Policy == nil {
		allowAll, err := policy.NewPaymentPolicyEnforcer(nil)
		if err != nil {
			return nil, err
		}
		cfg.Policy = allowAll
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.Tracer()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollMaxInterval < cfg.PollInterval {
		cfg.PollMaxInterval = max(defaultPollMaxInterval, cfg.PollInterval)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Orchestrator{
		gateway:         cfg.Gateway,
		store:           cfg.Store,
		policy:          cfg.Policy,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		pollInterval:    cfg.PollInterval,
		pollMaxInterval: cfg.PollMaxInterval,
		pollTimeout:     cfg.PollTimeout,
	}, nil
}

// Providers lists the providers a payment can currently be routed to.
func (o *Orchestrator) Providers() []string {
	return o.gateway.Available()
}

// Attempts returns the recorded payment attempts of a booking, oldest first.
func (o *Orchestrator) Attempts(ctx context.Context, bookingRef string) ([]store.Attempt, error) {
	return o.store.GetByBookingReference(ctx, bookingRef)
}

// Start opens a payment attempt for order, or returns the attempt already in
// flight for the booking. Earlier locally cancelled attempts are reconciled
// first; a provider success among them blocks a new attempt.
func (o *Orchestrator) Start(ctx context.Context, order PaymentOrder) (Handle, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Start", trace.WithAttributes(
		attribute.String("booking.reference", order.BookingReference),
		attribute.String("payment.amount", order.Amount.StringFixed(2)),
		attribute.String("payment.currency", order.Currency),
	))
	defer span.End()

	h, err := o.start(ctx, order)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Handle{}, err
	}
	span.SetAttributes(
		attribute.String("payment.transaction_id", h.TransactionID),
		attribute.String("payment.provider", h.Provider),
		attribute.Bool("payment.resumed", h.Resumed),
	)
	return h, nil
}

func (o *Orchestrator) start(ctx context.Context, order PaymentOrder) (Handle, error) {
	providers := o.gateway.Available()
	if len(providers) == 0 {
		return Handle{}, ErrNoPaymentProviders
	}
	if !order.Amount.IsPositive() {
		return Handle{}, fmt.Errorf("orchestrator: amount must be positive, got %s", order.Amount)
	}
	ref := order.BookingReference
	logger := o.logger.With(zap.String("booking_reference", ref))

	conflicts, err := o.Reconcile(ctx, ref)
	if err != nil {
		return Handle{}, err
	}
	if len(conflicts) > 0 {
		return Handle{}, &ReconciliationConflict{Conflict: conflicts[0]}
	}

	attempts, err := o.store.GetByBookingReference(ctx, ref)
	if err != nil {
		return Handle{}, fmt.Errorf("orchestrator: load attempts: %w", err)
	}
	previous := ""
	for _, a := range attempts {
		switch {
		case a.Status == adapter.StatusSuccess:
			return Handle{}, fmt.Errorf("%w: %s", store.ErrBookingAlreadyPaid, ref)
		case a.Status == adapter.StatusPending && a.TransactionID != "":
			logger.Info("resuming payment attempt in flight",
				zap.String("attempt_id", a.ID),
				zap.String("transaction_id", a.TransactionID),
			)
			return Handle{AttemptID: a.ID, TransactionID: a.TransactionID, Provider: a.Provider, Resumed: true}, nil
		case a.Status == adapter.StatusPending:
			// Initiation was interrupted before the provider assigned an id.
			if err := o.store.AbandonAttempt(ctx, a.ID, "initiation interrupted"); err != nil {
				return Handle{}, fmt.Errorf("orchestrator: abandon stale attempt: %w", err)
			}
		}
		previous = string(a.Status)
	}

	decision, err := o.policy.Evaluate(policy.AttemptContext{
		AttemptNumber:  len(attempts) + 1,
		Amount:         order.Amount.InexactFloat64(),
		Currency:       order.Currency,
		Provider:       providers[0],
		PreviousStatus: previous,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("orchestrator: evaluate retry policy: %w", err)
	}
	if !decision.AllowRetry {
		logger.Warn("payment attempt denied by policy",
			zap.Int("attempt_number", len(attempts)+1),
			zap.String("reason", decision.Reason),
			zap.Bool("escalate_manual", decision.EscalateManual),
		)
		return Handle{}, fmt.Errorf("%w: %s", ErrAttemptLimit, decision.Reason)
	}

	attemptID, err := o.store.CreateAttempt(ctx, ref, store.AttemptDetails{
		CustomerID:    order.CustomerID,
		CustomerName:  order.CustomerName,
		CustomerEmail: order.CustomerEmail,
		Amount:        order.Amount,
		Currency:      order.Currency,
		PaymentMethod: order.PaymentMethod,
	})
	if err != nil {
		return Handle{}, err
	}

	resp, provider, err := o.gateway.InitiatePayment(ctx, adapter.PaymentRequest{
		Amount:           order.Amount,
		Currency:         order.Currency,
		CustomerID:       order.CustomerID,
		CustomerName:     order.CustomerName,
		CustomerEmail:    order.CustomerEmail,
		PhoneNumber:      order.PhoneNumber,
		Country:          order.Country,
		BookingReference: ref,
		Description:      order.Description,
		IdempotencyKey:   attemptID,
	})
	if err != nil {
		o.abandon(ctx, logger, attemptID, err.Error())
		if len(o.gateway.Available()) == 0 {
			return Handle{}, fmt.Errorf("%w: %w", ErrNoPaymentProviders, err)
		}
		return Handle{}, err
	}
	if err := o.store.AssignTransaction(ctx, attemptID, resp.TransactionID, provider); err != nil {
		o.abandon(ctx, logger, attemptID, err.Error())
		return Handle{}, err
	}

	logger.Info("payment attempt opened",
		zap.String("attempt_id", attemptID),
		zap.String("transaction_id", resp.TransactionID),
		zap.String("provider", provider),
	)
	return Handle{
		AttemptID:     attemptID,
		TransactionID: resp.TransactionID,
		Provider:      provider,
		RedirectURL:   resp.RedirectURL,
		ClientSecret:  resp.ClientSecret,
	}, nil
}

func (o *Orchestrator) abandon(ctx context.Context, logger *zap.Logger, attemptID, reason string) {
	// Closed even when ctx is already done.
	if err := o.store.AbandonAttempt(context.WithoutCancel(ctx), attemptID, reason); err != nil {
		logger.Error("failed to abandon payment attempt", zap.String("attempt_id", attemptID), zap.Error(err))
	}
}

// Await polls the provider with exponential backoff until the attempt reaches
// a terminal status or the poll timeout passes. Transient status-check
// failures are retried. A success is finalised in the store.
func (o *Orchestrator) Await(ctx context.Context, h Handle) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Await", trace.WithAttributes(
		attribute.String("payment.transaction_id", h.TransactionID),
		attribute.String("payment.provider", h.Provider),
	))
	defer span.End()

	out, err := o.await(ctx, h)
	span.SetAttributes(attribute.String("payment.status", string(out.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (o *Orchestrator) await(ctx context.Context, h Handle) (Outcome, error) {
	if h.TransactionID == "" || h.Provider == "" {
		return Outcome{}, errors.New("orchestrator: handle has no transaction")
	}
	logger := o.logger.With(zap.String("transaction_id", h.TransactionID), zap.String("provider", h.Provider))
	pending := Outcome{TransactionID: h.TransactionID, Provider: h.Provider, Status: adapter.StatusPending}

	start := o.clock.Now()
	deadline := start.Add(o.pollTimeout)
	interval := o.pollInterval
	for {
		stored, err := o.store.GetByTransactionID(ctx, h.TransactionID)
		if err != nil {
			return pending, err
		}
		switch stored.Status {
		case adapter.StatusCancelled:
			logger.Info("stopped polling cancelled payment")
			return Outcome{TransactionID: h.TransactionID, Provider: h.Provider, Status: adapter.StatusCancelled}, ErrPaymentCancelled
		case adapter.StatusSuccess:
			return o.succeeded(ctx, stored, adapter.Transaction{TransactionID: h.TransactionID, Status: adapter.StatusSuccess})
		}

		tx, err := o.gateway.CheckTransactionStatus(ctx, h.Provider, h.TransactionID)
		switch {
		case err == nil && tx.Status.IsTerminal():
			return o.settle(ctx, stored, tx)
		case err == nil:
		case adapter.IsTransient(err) && ctx.Err() == nil:
			logger.Debug("transient status check failure", zap.Error(err))
		case errors.Is(err, adapter.ErrTransactionNotFound):
			return o.lost(ctx, stored, err)
		default:
			return pending, err
		}

		now := o.clock.Now()
		if !now.Before(deadline) {
			logger.Warn("payment still pending after poll timeout", zap.Duration("waited", now.Sub(start)))
			return pending, &PaymentTimeoutError{TransactionID: h.TransactionID, Provider: h.Provider, Waited: now.Sub(start)}
		}
		if err := o.clock.Sleep(ctx, min(interval, deadline.Sub(now))); err != nil {
			return pending, err
		}
		interval = min(interval*2, o.pollMaxInterval)
	}
}

// settle writes the provider's terminal status and compares it with what the store holds.
func (o *Orchestrator) settle(ctx context.Context, attempt store.Attempt, tx adapter.Transaction) (Outcome, error) {
	extra := &store.StatusExtra{PaymentMethod: tx.PaymentMethod}
	if tx.Status != adapter.StatusSuccess {
		extra.Reason = "provider reported " + tx.ProviderStatus
	}
	stored, err := o.store.UpdateStatus(ctx, tx.TransactionID, tx.Status, extra)
	if err != nil {
		return Outcome{}, err
	}
	if stored.Status != tx.Status {
		return Outcome{TransactionID: tx.TransactionID, Provider: attempt.Provider, Status: stored.Status},
			o.conflict(ctx, stored, tx.Status)
	}

	if tx.Status == adapter.StatusSuccess {
		return o.succeeded(ctx, stored, tx)
	}
	o.logger.Info("payment attempt ended without success",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("status", string(tx.Status)),
		zap.String("provider_status", tx.ProviderStatus),
	)
	return Outcome{TransactionID: tx.TransactionID, Provider: stored.Provider, Status: tx.Status},
		&PaymentFailedError{TransactionID: tx.TransactionID, Status: tx.Status, Reason: stored.FailureReason}
}

// lost closes an attempt whose transaction the provider no longer knows so
// that a new attempt can be opened.
func (o *Orchestrator) lost(ctx context.Context, attempt store.Attempt, cause error) (Outcome, error) {
	o.logger.Warn("provider has no record of transaction",
		zap.String("booking_reference", attempt.BookingReference),
		zap.String("transaction_id", attempt.TransactionID),
		zap.String("provider", attempt.Provider),
		zap.Error(cause),
	)
	stored, err := o.store.UpdateStatus(ctx, attempt.TransactionID, adapter.StatusFailed, &store.StatusExtra{Reason: "transaction unknown to provider"})
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{TransactionID: stored.TransactionID, Provider: stored.Provider, Status: stored.Status}
	switch stored.Status {
	case adapter.StatusCancelled:
		return out, ErrPaymentCancelled
	case adapter.StatusSuccess:
		return o.succeeded(ctx, stored, adapter.Transaction{TransactionID: stored.TransactionID, Status: adapter.StatusSuccess})
	}
	return out, &PaymentFailedError{TransactionID: stored.TransactionID, Status: stored.Status, Reason: stored.FailureReason}
}

func (o *Orchestrator) succeeded(ctx context.Context, attempt store.Attempt, tx adapter.Transaction) (Outcome, error) {
	details := store.PaymentDetails{PaymentMethod: tx.PaymentMethod}
	if tx.PaymentDate != nil {
		details.PaymentDate = *tx.PaymentDate
	}
	if tx.Card != nil {
		details.CardLast4 = tx.Card.Last4
		details.CardBrand = tx.Card.Brand
	}
	if err := o.store.FinalizeSuccess(ctx, tx.TransactionID, details); err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: finalize %s: %w", tx.TransactionID, err)
	}
	payment, err := o.store.GetPayment(ctx, tx.TransactionID)
	if err != nil {
		return Outcome{}, err
	}
	o.logger.Info("payment succeeded",
		zap.String("booking_reference", attempt.BookingReference),
		zap.String("transaction_id", tx.TransactionID),
		zap.String("provider", attempt.Provider),
	)
	return Outcome{TransactionID: tx.TransactionID, Provider: attempt.Provider, Status: adapter.StatusSuccess, Payment: &payment}, nil
}

func (o *Orchestrator) conflict(ctx context.Context, attempt store.Attempt, providerStatus adapter.Status) error {
	c := store.Conflict{
		TransactionID:    attempt.TransactionID,
		BookingReference: attempt.BookingReference,
		Provider:         attempt.Provider,
		LocalStatus:      attempt.Status,
		ProviderStatus:   providerStatus,
		DetectedAt:       o.clock.Now(),
	}
	inserted, err := o.store.RecordConflict(ctx, c)
	if err != nil {
		return fmt.Errorf("orchestrator: record conflict: %w", err)
	}
	if inserted {
		o.metrics.ReconciliationConflict.Inc()
		o.logger.Error("reconciliation conflict",
			zap.String("booking_reference", c.BookingReference),
			zap.String("transaction_id", c.TransactionID),
			zap.String("local_status", string(c.LocalStatus)),
			zap.String("provider_status", string(c.ProviderStatus)),
		)
	}
	return &ReconciliationConflict{Conflict: c}
}

// Cancel marks the attempt cancelled locally. It does not stop the provider;
// a later provider success is caught by Await or Reconcile. When the store
// already holds a success the cancellation is refused with a ReconciliationConflict.
func (o *Orchestrator) Cancel(ctx context.Context, h Handle) error {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Cancel", trace.WithAttributes(
		attribute.String("payment.transaction_id", h.TransactionID),
	))
	defer span.End()

	if h.TransactionID == "" {
		return o.store.AbandonAttempt(ctx, h.AttemptID, "cancelled before initiation completed")
	}
	stored, err := o.store.UpdateStatus(ctx, h.TransactionID, adapter.StatusCancelled, &store.StatusExtra{Reason: "cancelled by customer"})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if stored.Status == adapter.StatusSuccess {
		err := &ReconciliationConflict{Conflict: store.Conflict{
			TransactionID:    stored.TransactionID,
			BookingReference: stored.BookingReference,
			Provider:         stored.Provider,
			LocalStatus:      adapter.StatusCancelled,
			ProviderStatus:   adapter.StatusSuccess,
			DetectedAt:       o.clock.Now(),
		}}
		span.RecordError(err)
		return err
	}
	o.logger.Info("payment attempt cancelled",
		zap.String("booking_reference", stored.BookingReference),
		zap.String("transaction_id", h.TransactionID),
		zap.String("stored_status", string(stored.Status)),
	)
	return nil
}

// Reconcile re-reads the provider status of every locally cancelled attempt
// of the booking and returns the ones the provider reports as successful.
// Each conflict is recorded in the store.
func (o *Orchestrator) Reconcile(ctx context.Context, bookingRef string) ([]store.Conflict, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Reconcile", trace.WithAttributes(
		attribute.String("booking.reference", bookingRef),
	))
	defer span.End()

	attempts, err := o.store.GetByBookingReference(ctx, bookingRef)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load attempts: %w", err)
	}
	var conflicts []store.Conflict
	for _, a := range attempts {
		if a.Status != adapter.StatusCancelled || a.TransactionID == "" {
			continue
		}
		tx, err := o.gateway.CheckTransactionStatus(ctx, a.Provider, a.TransactionID)
		if adapter.IsTransient(err) {
			o.logger.Warn("reconciliation status check failed",
				zap.String("transaction_id", a.TransactionID),
				zap.Error(err),
			)
			continue
		}
		if errors.Is(err, adapter.ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if tx.Status != adapter.StatusSuccess {
			continue
		}
		var rc *ReconciliationConflict
		if err := o.conflict(ctx, a, tx.Status); !errors.As(err, &rc) {
			return nil, err
		}
		conflicts = append(conflicts, rc.Conflict)
	}
	span.SetAttributes(attribute.Int("reconciliation.conflicts", len(conflicts)))
	return conflicts, nil
}

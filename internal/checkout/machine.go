// Package checkout drives a booking draft through the contact, passengers,
// payment and confirmation steps. Steps only advance after their input passes
// validation, and the payment step only advances on a provider-confirmed
// success recorded in the TransactionStore.
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/booking"
	"github.com/yourorg/travel-checkout/internal/clock"
	"github.com/yourorg/travel-checkout/internal/observability"
	"github.com/yourorg/travel-checkout/internal/orchestrator"
	"github.com/yourorg/travel-checkout/internal/pricing"
	"github.com/yourorg/travel-checkout/internal/store"
	"github.com/yourorg/travel-checkout/internal/validation"
)

// Payments runs payment attempts. It is satisfied by *orchestrator.Orchestrator.
type Payments interface {
	Providers() []string
	Start(ctx context.Context, order orchestrator.PaymentOrder) (orchestrator.Handle, error)
	Await(ctx context.Context, h orchestrator.Handle) (orchestrator.Outcome, error)
	Cancel(ctx context.Context, h orchestrator.Handle) error
	Reconcile(ctx context.Context, bookingRef string) ([]store.Conflict, error)
	Attempts(ctx context.Context, bookingRef string) ([]store.Attempt, error)
}

// Config wires an Engine. Payments is required.
type Config struct {
	Gate       *validation.Gate
	TaxRate    decimal.Decimal
	Payments   Payments
	References *booking.ReferenceGenerator
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
}

// Engine holds what every checkout session shares.
type Engine struct {
	gate     *validation.Gate
	taxRate  decimal.Decimal
	payments Payments
	refs     *booking.ReferenceGenerator
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Payments == nil {
		return nil, errors.New("checkout: payments cannot be nil")
	}
	if cfg.TaxRate.IsNegative() {
		return nil, pricing.ErrNegativeTaxRate
	}
	if cfg.Gate == nil {
		cfg.Gate = validation.NewGate(validation.PassengerPolicy{})
	}
	if cfg.References == nil {
		cfg.References = booking.NewReferenceGenerator(nil)
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
	return &Engine{
		gate:     cfg.Gate,
		taxRate:  cfg.TaxRate,
		payments: cfg.Payments,
		refs:     cfg.References,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}, nil
}

// Providers lists the payment providers currently available.
func (e *Engine) Providers() []string {
	return e.payments.Providers()
}

// Begin starts a checkout for items, generating the booking reference once.
func (e *Engine) Begin(items booking.SelectedItems, currency string) (*Machine, error) {
	d, err := booking.NewDraft(e.refs.Next(), items, currency, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if _, err := pricing.Price(d.Items, e.taxRate, d.Currency); err != nil {
		return nil, err
	}
	e.logger.Info("checkout started", zap.String("booking_reference", d.Reference), zap.String("currency", d.Currency))
	return &Machine{engine: e, draft: d}, nil
}

// Resume wraps an existing draft. The Machine owns d from here on.
func (e *Engine) Resume(d *booking.Draft) *Machine {
	return &Machine{engine: e, draft: d}
}

// Machine is the state machine of one checkout session. It is not safe for
// concurrent use; Service serialises access per booking reference.
type Machine struct {
	engine *Engine
	draft  *booking.Draft
}

// Draft returns a copy of the current draft.
func (m *Machine) Draft() *booking.Draft {
	return m.draft.Clone()
}

// Step returns the current step.
func (m *Machine) Step() booking.Step {
	return m.draft.Step
}

// Summary prices the selected items.
func (m *Machine) Summary() (pricing.Summary, error) {
	return pricing.Price(m.draft.Items, m.engine.taxRate, m.draft.Currency)
}

func (m *Machine) advance(to booking.Step) {
	from := m.draft.Step
	m.draft.Step = to
	m.draft.UpdatedAt = m.engine.clock.Now()
	m.engine.metrics.StepTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.engine.logger.Debug("checkout step changed",
		zap.String("booking_reference", m.draft.Reference),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

func (m *Machine) check(step booking.Step, data any) error {
	res, err := m.engine.gate.Validate(step, data)
	if err != nil {
		return err
	}
	if !res.Valid {
		m.engine.metrics.ValidationFailures.WithLabelValues(string(step)).Inc()
		return &ValidationError{Step: step, Fields: res.Errors}
	}
	return nil
}

// SubmitContact validates and stores the lead traveller's contact details,
// then advances to the passengers step.
func (m *Machine) SubmitContact(info booking.ContactInfo) error {
	if m.draft.Step != booking.StepContact {
		return invalidTransition(m.draft.Step, "submit contact")
	}
	if err := m.check(booking.StepContact, info); err != nil {
		return err
	}
	m.draft.Contact = &info
	m.advance(booking.StepPassengers)
	return nil
}

// SubmitPassengers validates and stores the passenger list, then advances to payment.
func (m *Machine) SubmitPassengers(list []booking.Passenger) error {
	if m.draft.Step != booking.StepPassengers {
		return invalidTransition(m.draft.Step, "submit passengers")
	}
	if err := m.check(booking.StepPassengers, list); err != nil {
		return err
	}
	m.draft.Passengers = append([]booking.Passenger(nil), list...)
	m.advance(booking.StepPayment)
	return nil
}

// Back moves from passengers to contact or from payment to passengers.
// Leaving payment is refused while an attempt is in flight.
func (m *Machine) Back() error {
	switch m.draft.Step {
	case booking.StepPassengers:
		m.advance(booking.StepContact)
		return nil
	case booking.StepPayment:
		if m.draft.Payment != nil {
			return ErrPaymentInProgress
		}
		m.advance(booking.StepPassengers)
		return nil
	default:
		return invalidTransition(m.draft.Step, "go back")
	}
}

// ActivePayment returns the attempt in flight, if any.
func (m *Machine) ActivePayment() (orchestrator.Handle, bool) {
	p := m.draft.Payment
	if p == nil {
		return orchestrator.Handle{}, false
	}
	return orchestrator.Handle{
		AttemptID:     p.AttemptID,
		TransactionID: p.TransactionID,
		Provider:      p.Provider,
		RedirectURL:   p.RedirectURL,
		ClientSecret:  p.ClientSecret,
	}, true
}

// StartPayment opens a payment attempt for the priced total, or picks up the
// attempt already in flight for this booking.
func (m *Machine) StartPayment(ctx context.Context) (orchestrator.Handle, error) {
	ctx, span := m.engine.tracer.Start(ctx, "Checkout.StartPayment", trace.WithAttributes(
		attribute.String("booking.reference", m.draft.Reference),
	))
	defer span.End()

	h, err := m.startPayment(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return h, err
}

func (m *Machine) startPayment(ctx context.Context) (orchestrator.Handle, error) {
	if m.draft.Step != booking.StepPayment {
		return orchestrator.Handle{}, invalidTransition(m.draft.Step, "start payment")
	}
	if len(m.engine.payments.Providers()) == 0 {
		return orchestrator.Handle{}, orchestrator.ErrNoPaymentProviders
	}
	contact := m.draft.Contact
	if contact == nil {
		return orchestrator.Handle{}, invalidTransition(m.draft.Step, "start payment without contact details")
	}
	summary, err := m.Summary()
	if err != nil {
		return orchestrator.Handle{}, err
	}

	h, err := m.engine.payments.Start(ctx, orchestrator.PaymentOrder{
		BookingReference: m.draft.Reference,
		Amount:           summary.Total,
		Currency:         summary.Currency,
		CustomerID:       contact.Email,
		CustomerName:     contact.FullName(),
		CustomerEmail:    contact.Email,
		PhoneNumber:      contact.Phone,
		Country:          contact.Country,
		Description:      fmt.Sprintf("Travel booking %s", m.draft.Reference),
	})
	if err != nil {
		return orchestrator.Handle{}, err
	}
	m.draft.Payment = &booking.PaymentRef{
		AttemptID:     h.AttemptID,
		TransactionID: h.TransactionID,
		Provider:      h.Provider,
		RedirectURL:   h.RedirectURL,
		ClientSecret:  h.ClientSecret,
	}
	m.draft.UpdatedAt = m.engine.clock.Now()
	return h, nil
}

// AwaitPayment waits for the attempt in flight to settle and applies the outcome.
func (m *Machine) AwaitPayment(ctx context.Context) (orchestrator.Outcome, error) {
	h, ok := m.ActivePayment()
	if !ok {
		return orchestrator.Outcome{}, ErrNoActivePayment
	}
	out, err := m.engine.payments.Await(ctx, h)
	return out, m.ApplyPaymentResult(h, out, err)
}

// SubmitPayment starts a payment and waits for it to settle.
func (m *Machine) SubmitPayment(ctx context.Context) (orchestrator.Outcome, error) {
	if _, err := m.StartPayment(ctx); err != nil {
		return orchestrator.Outcome{}, err
	}
	return m.AwaitPayment(ctx)
}

// ApplyPaymentResult folds the result of awaiting h into the draft and
// returns err. Only a success advances to confirmation; a timeout keeps the
// attempt in flight; a failure, cancellation or conflict clears it so a new
// attempt can be started.
func (m *Machine) ApplyPaymentResult(h orchestrator.Handle, out orchestrator.Outcome, err error) error {
	current := m.draft.Payment != nil && m.draft.Payment.TransactionID == h.TransactionID

	if err == nil && out.Status == adapter.StatusSuccess {
		if m.draft.Step == booking.StepPayment {
			m.draft.ConfirmedTransactionID = out.TransactionID
			m.draft.Payment = nil
			m.advance(booking.StepConfirmation)
			m.engine.logger.Info("booking confirmed",
				zap.String("booking_reference", m.draft.Reference),
				zap.String("transaction_id", out.TransactionID),
			)
		}
		return nil
	}

	if current && endsAttempt(err) {
		m.draft.Payment = nil
		m.draft.UpdatedAt = m.engine.clock.Now()
	}
	return err
}

func endsAttempt(err error) bool {
	var failed *orchestrator.PaymentFailedError
	var conflict *orchestrator.ReconciliationConflict
	return errors.As(err, &failed) || errors.As(err, &conflict) || errors.Is(err, orchestrator.ErrPaymentCancelled)
}

// CancelPayment marks the attempt in flight as cancelled. The provider may
// still complete it; that case surfaces later as a ReconciliationConflict.
func (m *Machine) CancelPayment(ctx context.Context) error {
	h, ok := m.ActivePayment()
	if !ok {
		return ErrNoActivePayment
	}
	ctx, span := m.engine.tracer.Start(ctx, "Checkout.CancelPayment", trace.WithAttributes(
		attribute.String("booking.reference", m.draft.Reference),
		attribute.String("payment.transaction_id", h.TransactionID),
	))
	defer span.End()

	if err := m.engine.payments.Cancel(ctx, h); err != nil {
		span.RecordError(err)
		return err
	}
	m.draft.Payment = nil
	m.draft.UpdatedAt = m.engine.clock.Now()
	return nil
}

// Reconcile re-checks the booking's locally cancelled attempts against the provider.
func (m *Machine) Reconcile(ctx context.Context) ([]store.Conflict, error) {
	return m.engine.payments.Reconcile(ctx, m.draft.Reference)
}

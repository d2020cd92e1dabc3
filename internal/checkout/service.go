package checkout

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/booking"
	"github.com/yourorg/travel-checkout/internal/orchestrator"
	"github.com/yourorg/travel-checkout/internal/pricing"
	"github.com/yourorg/travel-checkout/internal/session"
	"github.com/yourorg/travel-checkout/internal/store"
)

const maxReferenceDraws = 5

// PaymentResult is what the payment operations of Service report.
type PaymentResult struct {
	Draft   *booking.Draft        `json:"draft"`
	Handle  orchestrator.Handle   `json:"payment"`
	Outcome *orchestrator.Outcome `json:"outcome,omitempty"`
}

// Service runs checkout sessions stored in a session.Store. Operations on one
// booking reference are serialised; waiting for a payment does not hold the
// lock, so a cancellation can interrupt it.
type Service struct {
	engine   *Engine
	sessions session.Store
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*refLock
	polls map[string]map[int]context.CancelFunc
	seq   int
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a Service.
func NewService(engine *Engine, sessions session.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:   engine,
		sessions: sessions,
		logger:   logger,
		locks:    make(map[string]*refLock),
		polls:    make(map[string]map[int]context.CancelFunc),
	}
}

// Providers lists the payment providers currently available.
func (s *Service) Providers() []string {
	return s.engine.Providers()
}

func (s *Service) lock(ref string) func() {
	s.mu.Lock()
	l, ok := s.locks[ref]
	if !ok {
		l = &refLock{}
		s.locks[ref] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, ref)
		}
		s.mu.Unlock()
	}
}

// update loads the draft for ref, runs fn on its machine and saves the
// draft whether or not fn fails.
func (s *Service) update(ctx context.Context, ref string, fn func(m *Machine) error) (*booking.Draft, error) {
	unlock := s.lock(ref)
	defer unlock()

	d, err := s.sessions.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	m := s.engine.Resume(d)
	opErr := fn(m)
	if err := s.sessions.Save(ctx, m.draft); err != nil {
		return nil, err
	}
	return m.Draft(), opErr
}

// Begin starts a checkout and persists its draft under a reference that no
// draft or payment attempt uses yet.
func (s *Service) Begin(ctx context.Context, items booking.SelectedItems, currency string) (*booking.Draft, error) {
	for i := 0; i < maxReferenceDraws; i++ {
		m, err := s.engine.Begin(items, currency)
		if err != nil {
			return nil, err
		}
		ref := m.draft.Reference
		attempts, err := s.engine.payments.Attempts(ctx, ref)
		if err != nil {
			return nil, err
		}
		if len(attempts) > 0 {
			s.logger.Warn("booking reference already has payment attempts", zap.String("booking_reference", ref))
			continue
		}
		err = s.sessions.Create(ctx, m.draft)
		if errors.Is(err, session.ErrExists) {
			s.logger.Warn("booking reference already in use", zap.String("booking_reference", ref))
			continue
		}
		if err != nil {
			return nil, err
		}
		return m.Draft(), nil
	}
	return nil, ErrReferencesExhausted
}

// Get returns the draft for ref.
func (s *Service) Get(ctx context.Context, ref string) (*booking.Draft, error) {
	return s.sessions.Get(ctx, ref)
}

// Summary prices the draft for ref.
func (s *Service) Summary(ctx context.Context, ref string) (pricing.Summary, error) {
	d, err := s.sessions.Get(ctx, ref)
	if err != nil {
		return pricing.Summary{}, err
	}
	return s.engine.Resume(d).Summary()
}

// SubmitContact runs Machine.SubmitContact for ref.
func (s *Service) SubmitContact(ctx context.Context, ref string, info booking.ContactInfo) (*booking.Draft, error) {
	return s.update(ctx, ref, func(m *Machine) error { return m.SubmitContact(info) })
}

// SubmitPassengers runs Machine.SubmitPassengers for ref.
func (s *Service) SubmitPassengers(ctx context.Context, ref string, list []booking.Passenger) (*booking.Draft, error) {
	return s.update(ctx, ref, func(m *Machine) error { return m.SubmitPassengers(list) })
}

// Back runs Machine.Back for ref.
func (s *Service) Back(ctx context.Context, ref string) (*booking.Draft, error) {
	return s.update(ctx, ref, func(m *Machine) error { return m.Back() })
}

// SubmitPayment starts or resumes a payment for ref and waits for it to settle.
func (s *Service) SubmitPayment(ctx context.Context, ref string) (PaymentResult, error) {
	var h orchestrator.Handle
	d, err := s.update(ctx, ref, func(m *Machine) error {
		var err error
		h, err = m.StartPayment(ctx)
		return err
	})
	if err != nil {
		return PaymentResult{Draft: d}, err
	}
	return s.await(ctx, ref, h)
}

// AwaitPayment keeps waiting on the attempt in flight for ref, typically after a timeout.
func (s *Service) AwaitPayment(ctx context.Context, ref string) (PaymentResult, error) {
	d, err := s.sessions.Get(ctx, ref)
	if err != nil {
		return PaymentResult{}, err
	}
	h, ok := s.engine.Resume(d).ActivePayment()
	if !ok {
		return PaymentResult{Draft: d}, ErrNoActivePayment
	}
	return s.await(ctx, ref, h)
}

func (s *Service) await(ctx context.Context, ref string, h orchestrator.Handle) (PaymentResult, error) {
	pollCtx, done := s.trackPoll(ctx, ref)
	out, awaitErr := s.engine.payments.Await(pollCtx, h)
	done()
	if errors.Is(awaitErr, context.Canceled) && ctx.Err() == nil {
		// Interrupted by CancelPayment rather than by the caller.
		awaitErr = orchestrator.ErrPaymentCancelled
	}

	d, err := s.update(ctx, ref, func(m *Machine) error {
		return m.ApplyPaymentResult(h, out, awaitErr)
	})
	if d == nil {
		return PaymentResult{Handle: h}, err
	}
	return PaymentResult{Draft: d, Handle: h, Outcome: &out}, err
}

func (s *Service) trackPoll(ctx context.Context, ref string) (context.Context, func()) {
	pollCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.seq++
	id := s.seq
	if s.polls[ref] == nil {
		s.polls[ref] = make(map[int]context.CancelFunc)
	}
	s.polls[ref][id] = cancel
	s.mu.Unlock()

	return pollCtx, func() {
		s.mu.Lock()
		delete(s.polls[ref], id)
		if len(s.polls[ref]) == 0 {
			delete(s.polls, ref)
		}
		s.mu.Unlock()
		cancel()
	}
}

func (s *Service) stopPolls(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.polls[ref] {
		cancel()
	}
}

// CancelPayment cancels the attempt in flight for ref and interrupts any wait on it.
func (s *Service) CancelPayment(ctx context.Context, ref string) (*booking.Draft, error) {
	d, err := s.update(ctx, ref, func(m *Machine) error { return m.CancelPayment(ctx) })
	if err == nil {
		s.stopPolls(ref)
		s.logger.Info("payment cancelled by customer", zap.String("booking_reference", ref))
	}
	return d, err
}

// Reconcile re-checks locally cancelled attempts of ref against their providers.
func (s *Service) Reconcile(ctx context.Context, ref string) ([]store.Conflict, error) {
	d, err := s.sessions.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.engine.Resume(d).Reconcile(ctx)
}

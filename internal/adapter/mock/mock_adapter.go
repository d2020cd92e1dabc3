package mock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/clock"
	"github.com/yourorg/travel-checkout/internal/store"
)

const defaultResolveAfter = 3 * time.Second

// Decider picks the terminal outcome of a simulated transaction. It must
// depend only on the transaction id: it is asked again on every status read.
type Decider func(transactionID string) adapter.Status

// Always returns a Decider with a fixed outcome.
func Always(status adapter.Status) Decider {
	return func(string) adapter.Status { return status }
}

// RandomDecider succeeds for roughly successRate of transaction ids. The
// draw is seeded by the id, so a transaction resolves the same way after a restart.
func RandomDecider(successRate float64) Decider {
	return func(transactionID string) adapter.Status {
		h := fnv.New64a()
		_, _ = h.Write([]byte(transactionID))
		if rand.New(rand.NewPCG(h.Sum64(), 0)).Float64() < successRate {
			return adapter.StatusSuccess
		}
		return adapter.StatusFailed
	}
}

// Records is the read side of the TransactionStore the mock resolves
// transactions from.
type Records interface {
	GetByTransactionID(ctx context.Context, transactionID string) (store.Attempt, error)
}

// Config configures a MockAdapter.
type Config struct {
	Name string
	// ResolveAfter is how long a transaction stays pending on Clock. Zero resolves on the first status read.
	ResolveAfter time.Duration
	Clock        clock.Clock
	Decider      Decider
	Logger       *zap.Logger
	// Records is the store the checkout writes attempts to. When nil the
	// adapter files its own transactions in a private MemoryStore.
	Records Records
}

// MockAdapter simulates a payment provider for development and tests. It
// holds no transaction state of its own: a status read looks the attempt up
// in the TransactionStore and resolves it once ResolveAfter has elapsed
// since the attempt was created.
type MockAdapter struct {
	Name string

	// InitiateFunc and StatusFunc replace the simulated behaviour when set.
	InitiateFunc func(ctx context.Context, req adapter.PaymentRequest) (adapter.PaymentResponse, error)
	StatusFunc   func(ctx context.Context, transactionID string) (adapter.Transaction, error)

	resolveAfter time.Duration
	clock        clock.Clock
	decide       Decider
	logger       *zap.Logger
	records      Records
	// own is set when the adapter files transactions itself.
	own *store.MemoryStore
}

// NewMockAdapter creates a standalone MockAdapter with defaults: real clock,
// three second resolution, always-success outcome.
func NewMockAdapter(name string) *MockAdapter {
	return New(Config{Name: name, ResolveAfter: defaultResolveAfter})
}

// New creates a MockAdapter from cfg.
func New(cfg Config) *MockAdapter {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.ResolveAfter < 0 {
		cfg.ResolveAfter = 0
	}
	if cfg.Decider == nil {
		cfg.Decider = Always(adapter.StatusSuccess)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &MockAdapter{
		Name:         cfg.Name,
		resolveAfter: cfg.ResolveAfter,
		clock:        cfg.Clock,
		decide:       cfg.Decider,
		logger:       cfg.Logger.With(zap.String("provider", cfg.Name), zap.String("mode", string(adapter.ModeMock))),
		records:      cfg.Records,
	}
	if m.records == nil {
		m.own = store.NewMemoryStore(cfg.Clock)
		m.records = m.own
	}
	return m
}

// GetName implements adapter.PaymentGateway.
func (m *MockAdapter) GetName() string {
	return m.Name
}

// InitiatePayment implements adapter.PaymentGateway.
func (m *MockAdapter) InitiatePayment(ctx context.Context, req adapter.PaymentRequest) (adapter.PaymentResponse, error) {
	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: m.Name, Err: err}
	}
	if !req.Amount.IsPositive() {
		return adapter.PaymentResponse{}, &adapter.ProviderError{Provider: m.Name, Code: "invalid_amount", Message: "amount must be positive"}
	}

	txID := "mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if m.own != nil {
		if err := m.file(ctx, txID, req); err != nil {
			return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: m.Name, Err: err}
		}
	}

	m.logger.Info("mock payment initiated",
		zap.String("transaction_id", txID),
		zap.String("booking_reference", req.BookingReference),
		zap.String("amount", req.Amount.StringFixed(2)),
	)
	return adapter.PaymentResponse{
		TransactionID: txID,
		Status:        adapter.StatusPending,
		RedirectURL:   fmt.Sprintf("/mock-pay/%s", txID),
	}, nil
}

// file records a standalone transaction. It is filed under its own id so
// repeated requests for one booking do not collide.
func (m *MockAdapter) file(ctx context.Context, txID string, req adapter.PaymentRequest) error {
	id, err := m.own.CreateAttempt(ctx, txID, store.AttemptDetails{
		CustomerID:    req.CustomerID,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		Amount:        req.Amount,
		Currency:      req.Currency,
	})
	if err != nil {
		return err
	}
	return m.own.AssignTransaction(ctx, id, txID, m.Name)
}

// CheckTransactionStatus implements adapter.PaymentGateway. The outcome is
// a function of the transaction id, so every read after ResolveAfter
// repeats it.
func (m *MockAdapter) CheckTransactionStatus(ctx context.Context, transactionID string) (adapter.Transaction, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, transactionID)
	}
	if err := ctx.Err(); err != nil {
		return adapter.Transaction{}, &adapter.TransientError{Provider: m.Name, TransactionID: transactionID, Err: err}
	}

	rec, err := m.records.GetByTransactionID(ctx, transactionID)
	switch {
	case errors.Is(err, store.ErrUnknownTransaction):
		return adapter.Transaction{}, &adapter.ProviderError{
			Provider: m.Name,
			Code:     "not_found",
			Message:  "no transaction " + transactionID,
			Err:      adapter.ErrTransactionNotFound,
		}
	case err != nil:
		return adapter.Transaction{}, &adapter.TransientError{Provider: m.Name, TransactionID: transactionID, Err: err}
	}

	tx := adapter.Transaction{
		TransactionID:  transactionID,
		Status:         adapter.StatusPending,
		Amount:         rec.Amount,
		Currency:       rec.Currency,
		ProviderStatus: "pending",
	}
	resolvesAt := rec.CreatedAt.Add(m.resolveAfter)
	if m.clock.Now().Before(resolvesAt) {
		return tx, nil
	}

	outcome := m.decide(transactionID)
	if !outcome.IsTerminal() {
		outcome = adapter.StatusFailed
	}
	tx.Status = outcome
	tx.ProviderStatus = string(outcome)
	if outcome == adapter.StatusSuccess {
		tx.PaymentDate = &resolvesAt
		tx.PaymentMethod = "card"
		tx.Card = &adapter.CardDetails{Last4: "4242", Brand: "visa"}
	}
	return tx, nil
}

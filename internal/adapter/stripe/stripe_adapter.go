package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
)

const providerName = "stripe"

// zeroDecimal lists ISO currencies Stripe charges in whole units.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

type paymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// Config configures the StripeAdapter.
type Config struct {
	SecretKey string
	Backends  *stripe.Backends
	Logger    *zap.Logger

	intents paymentIntentAPI
}

// StripeAdapter implements adapter.PaymentGateway using Stripe PaymentIntents.
type StripeAdapter struct {
	intents paymentIntentAPI
	logger  *zap.Logger
}

// NewStripeAdapter creates a new StripeAdapter. An empty secret key is a
// configuration error.
func NewStripeAdapter(cfg Config) (*StripeAdapter, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" && cfg.intents == nil {
		return nil, fmt.Errorf("stripe: secret key is required: %w", adapter.ErrConfiguration)
	}
	intents := cfg.intents
	if intents == nil {
		intents = client.New(key, cfg.Backends).PaymentIntents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeAdapter{
		intents: intents,
		logger:  logger.With(zap.String("provider", providerName)),
	}, nil
}

// GetName returns the name of the provider.
func (s *StripeAdapter) GetName() string {
	return providerName
}

// InitiatePayment creates a PaymentIntent and returns its client secret.
func (s *StripeAdapter) InitiatePayment(ctx context.Context, req adapter.PaymentRequest) (adapter.PaymentResponse, error) {
	currency := strings.ToUpper(req.Currency)
	params := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(toMinorUnits(req.Amount, currency)),
		Currency:     stripe.String(strings.ToLower(currency)),
		Description:  stripe.String(req.Description),
		ReceiptEmail: stripe.String(req.CustomerEmail),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	params.AddMetadata("booking_reference", req.BookingReference)
	params.AddMetadata("customer_id", req.CustomerID)
	params.AddMetadata("customer_name", req.CustomerName)
	if req.Country != "" {
		params.AddMetadata("country", req.Country)
	}

	intent, err := s.intents.New(params)
	if err != nil {
		return adapter.PaymentResponse{}, s.initiationError(err)
	}

	s.logger.Info("payment intent created",
		zap.String("payment_intent", intent.ID),
		zap.String("booking_reference", req.BookingReference),
		zap.String("status", string(intent.Status)),
	)

	resp := adapter.PaymentResponse{
		TransactionID: intent.ID,
		Status:        adapter.StatusPending,
		ClientSecret:  intent.ClientSecret,
	}
	if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
		resp.RedirectURL = intent.NextAction.RedirectToURL.URL
	}
	return resp, nil
}

// CheckTransactionStatus retrieves the PaymentIntent with its latest charge.
func (s *StripeAdapter) CheckTransactionStatus(ctx context.Context, transactionID string) (adapter.Transaction, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	intent, err := s.intents.Get(transactionID, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
			pe := &adapter.ProviderError{Provider: providerName, Code: string(se.Code), Message: se.Msg, HTTPStatus: se.HTTPStatusCode}
			if se.Code == stripe.ErrorCodeResourceMissing {
				pe.Err = adapter.ErrTransactionNotFound
			}
			return adapter.Transaction{}, pe
		}
		return adapter.Transaction{}, &adapter.TransientError{Provider: providerName, TransactionID: transactionID, Err: err}
	}
	return s.toTransaction(intent), nil
}

func (s *StripeAdapter) initiationError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &adapter.InitiationError{Provider: providerName, Err: err}
	}
	switch {
	case se.HTTPStatusCode == http.StatusUnauthorized:
		return &adapter.InitiationError{Provider: providerName, Err: fmt.Errorf("%w: %s", adapter.ErrConfiguration, se.Msg)}
	case se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests:
		code := string(se.Code)
		if se.DeclineCode != "" {
			code = string(se.DeclineCode)
		}
		return &adapter.ProviderError{Provider: providerName, Code: code, Message: se.Msg, HTTPStatus: se.HTTPStatusCode}
	default:
		return &adapter.InitiationError{Provider: providerName, Err: err}
	}
}

func (s *StripeAdapter) toTransaction(intent *stripe.PaymentIntent) adapter.Transaction {
	currency := strings.ToUpper(string(intent.Currency))
	tx := adapter.Transaction{
		TransactionID:  intent.ID,
		Status:         s.mapStatus(intent),
		Amount:         fromMinorUnits(intent.Amount, currency),
		Currency:       currency,
		ProviderStatus: string(intent.Status),
	}
	if charge := intent.LatestCharge; charge != nil {
		if charge.PaymentMethodDetails != nil {
			tx.PaymentMethod = string(charge.PaymentMethodDetails.Type)
			if card := charge.PaymentMethodDetails.Card; card != nil {
				tx.Card = &adapter.CardDetails{Last4: card.Last4, Brand: string(card.Brand)}
			}
		}
		if tx.Status == adapter.StatusSuccess && charge.Created != 0 {
			paid := time.Unix(charge.Created, 0).UTC()
			tx.PaymentDate = &paid
		}
	}
	if tx.Status == adapter.StatusSuccess && tx.PaymentDate == nil && intent.Created != 0 {
		paid := time.Unix(intent.Created, 0).UTC()
		tx.PaymentDate = &paid
	}
	return tx
}

func (s *StripeAdapter) mapStatus(intent *stripe.PaymentIntent) adapter.Status {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return adapter.StatusSuccess
	case stripe.PaymentIntentStatusCanceled:
		return adapter.StatusCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// A fresh intent also sits here; only a recorded decline means failure.
		if intent.LastPaymentError != nil {
			return adapter.StatusFailed
		}
		return adapter.StatusPending
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		return adapter.StatusPending
	default:
		s.logger.Warn("unrecognised payment intent status",
			zap.String("payment_intent", intent.ID),
			zap.String("status", string(intent.Status)),
		)
		return adapter.StatusPending
	}
}

func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimal[currency] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimal[currency] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

package stripe

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"

	"github.com/yourorg/travel-checkout/internal/adapter"
)

type fakeIntents struct {
	newParams *stripe.PaymentIntentParams
	getID     string
	getParams *stripe.PaymentIntentParams

	newIntent *stripe.PaymentIntent
	newErr    error
	getIntent *stripe.PaymentIntent
	getErr    error
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.newParams = params
	return f.newIntent, f.newErr
}

func (f *fakeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.getID = id
	f.getParams = params
	return f.getIntent, f.getErr
}

func newTestAdapter(t *testing.T, fake *fakeIntents) *StripeAdapter {
	t.Helper()
	a, err := NewStripeAdapter(Config{intents: fake})
	require.NoError(t, err)
	return a
}

func TestNewStripeAdapter(t *testing.T) {
	t.Run("MissingKey", func(t *testing.T) {
		_, err := NewStripeAdapter(Config{})
		assert.ErrorIs(t, err, adapter.ErrConfiguration)
	})
	t.Run("WithKey", func(t *testing.T) {
		a, err := NewStripeAdapter(Config{SecretKey: "sk_test_123"})
		require.NoError(t, err)
		assert.Equal(t, "stripe", a.GetName())
		assert.NotNil(t, a.intents)
	})
}

func TestStripeAdapter_InitiatePayment(t *testing.T) {
	fake := &fakeIntents{newIntent: &stripe.PaymentIntent{
		ID:           "pi_123",
		ClientSecret: "pi_123_secret_abc",
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
	}}
	a := newTestAdapter(t, fake)

	resp, err := a.InitiatePayment(context.Background(), adapter.PaymentRequest{
		Amount:           decimal.RequireFromString("880.00"),
		Currency:         "USD",
		CustomerID:       "ada@example.com",
		CustomerName:     "Ada Lovelace",
		CustomerEmail:    "ada@example.com",
		BookingReference: "ABC234",
		Description:      "Booking ABC234",
		IdempotencyKey:   "attempt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", resp.TransactionID)
	assert.Equal(t, adapter.StatusPending, resp.Status)
	assert.Equal(t, "pi_123_secret_abc", resp.ClientSecret)

	require.NotNil(t, fake.newParams)
	assert.Equal(t, int64(88000), *fake.newParams.Amount)
	assert.Equal(t, "usd", *fake.newParams.Currency)
	assert.Equal(t, "attempt-1", *fake.newParams.IdempotencyKey)
	assert.Equal(t, "ABC234", fake.newParams.Metadata["booking_reference"])
}

func TestStripeAdapter_InitiatePayment_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		assert func(t *testing.T, err error)
	}{
		{
			name: "CardDeclined",
			err:  &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Code: stripe.ErrorCodeCardDeclined, Msg: "Your card was declined."},
			assert: func(t *testing.T, err error) {
				var pe *adapter.ProviderError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, "card_declined", pe.Code)
			},
		},
		{
			name: "Unauthorized",
			err:  &stripe.Error{HTTPStatusCode: http.StatusUnauthorized, Msg: "Invalid API Key"},
			assert: func(t *testing.T, err error) {
				var ie *adapter.InitiationError
				require.ErrorAs(t, err, &ie)
				assert.ErrorIs(t, err, adapter.ErrConfiguration)
			},
		},
		{
			name: "ServerError",
			err:  &stripe.Error{HTTPStatusCode: http.StatusInternalServerError, Msg: "boom"},
			assert: func(t *testing.T, err error) {
				var ie *adapter.InitiationError
				require.ErrorAs(t, err, &ie)
			},
		},
		{
			name: "Network",
			err:  errors.New("dial tcp: i/o timeout"),
			assert: func(t *testing.T, err error) {
				var ie *adapter.InitiationError
				require.ErrorAs(t, err, &ie)
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(t, &fakeIntents{newErr: tc.err})
			_, err := a.InitiatePayment(context.Background(), adapter.PaymentRequest{Amount: decimal.NewFromInt(10), Currency: "USD"})
			tc.assert(t, err)
		})
	}
}

func TestStripeAdapter_CheckTransactionStatus(t *testing.T) {
	testCases := []struct {
		name     string
		intent   *stripe.PaymentIntent
		expected adapter.Status
	}{
		{"Succeeded", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded}, adapter.StatusSuccess},
		{"Canceled", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, adapter.StatusCancelled},
		{"Processing", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}, adapter.StatusPending},
		{"RequiresAction", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresAction}, adapter.StatusPending},
		{"AwaitingMethod", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, adapter.StatusPending},
		{"Declined", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod, LastPaymentError: &stripe.Error{Msg: "declined"}}, adapter.StatusFailed},
		{"Unknown", &stripe.PaymentIntent{Status: "something_new"}, adapter.StatusPending},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.intent.ID = "pi_123"
			tc.intent.Amount = 88000
			tc.intent.Currency = stripe.CurrencyUSD
			fake := &fakeIntents{getIntent: tc.intent}
			a := newTestAdapter(t, fake)

			tx, err := a.CheckTransactionStatus(context.Background(), "pi_123")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, tx.Status)
			assert.Equal(t, "pi_123", fake.getID)
			assert.True(t, decimal.RequireFromString("880").Equal(tx.Amount))
			assert.Equal(t, "USD", tx.Currency)
			assert.Contains(t, fake.getParams.Expand, stripe.String("latest_charge"))
		})
	}
}

func TestStripeAdapter_CheckTransactionStatus_CardDetails(t *testing.T) {
	fake := &fakeIntents{getIntent: &stripe.PaymentIntent{
		ID:       "pi_paid",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   5000,
		Currency: stripe.CurrencyJPY,
		LatestCharge: &stripe.Charge{
			Created: 1700000000,
			PaymentMethodDetails: &stripe.ChargePaymentMethodDetails{
				Type: "card",
				Card: &stripe.ChargePaymentMethodDetailsCard{Last4: "4242", Brand: "visa"},
			},
		},
	}}
	a := newTestAdapter(t, fake)

	tx, err := a.CheckTransactionStatus(context.Background(), "pi_paid")
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusSuccess, tx.Status)
	assert.True(t, decimal.NewFromInt(5000).Equal(tx.Amount))
	require.NotNil(t, tx.Card)
	assert.Equal(t, "4242", tx.Card.Last4)
	assert.Equal(t, "visa", tx.Card.Brand)
	assert.Equal(t, "card", tx.PaymentMethod)
	require.NotNil(t, tx.PaymentDate)
	assert.Equal(t, int64(1700000000), tx.PaymentDate.Unix())
}

func TestStripeAdapter_CheckTransactionStatus_Errors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		a := newTestAdapter(t, &fakeIntents{getErr: &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing, Msg: "No such payment_intent"}})
		_, err := a.CheckTransactionStatus(context.Background(), "pi_missing")
		var pe *adapter.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, http.StatusNotFound, pe.HTTPStatus)
		assert.ErrorIs(t, err, adapter.ErrTransactionNotFound)
	})
	t.Run("OtherRejection", func(t *testing.T) {
		a := newTestAdapter(t, &fakeIntents{getErr: &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Code: stripe.ErrorCodeParameterInvalidEmpty, Msg: "bad id"}})
		_, err := a.CheckTransactionStatus(context.Background(), "pi_1")
		var pe *adapter.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.NotErrorIs(t, err, adapter.ErrTransactionNotFound)
	})
	t.Run("Network", func(t *testing.T) {
		a := newTestAdapter(t, &fakeIntents{getErr: errors.New("connection reset")})
		_, err := a.CheckTransactionStatus(context.Background(), "pi_1")
		assert.True(t, adapter.IsTransient(err))
	})
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1099), toMinorUnits(decimal.RequireFromString("10.99"), "USD"))
	assert.Equal(t, int64(1500), toMinorUnits(decimal.RequireFromString("1500"), "JPY"))
	assert.True(t, decimal.RequireFromString("10.99").Equal(fromMinorUnits(1099, "EUR")))
}

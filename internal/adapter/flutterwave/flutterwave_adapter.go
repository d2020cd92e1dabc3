// Package flutterwave implements adapter.PaymentGateway over the Flutterwave
// v3 REST API using hosted payment links.
package flutterwave

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/clock"
)

const (
	providerName         = "flutterwave"
	defaultAPIBaseURL    = "https://api.flutterwave.com/v3"
	defaultRetryAttempts = 2
	defaultRetryDelay    = 500 * time.Millisecond
)

// Config configures the FlutterwaveAdapter.
type Config struct {
	SecretKey   string
	RedirectURL string
	// Title is shown on the hosted payment page.
	Title      string
	APIBaseURL string
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *zap.Logger
}

// FlutterwaveAdapter implements adapter.PaymentGateway for Flutterwave.
type FlutterwaveAdapter struct {
	secretKey   string
	redirectURL string
	title       string
	apiBaseURL  string
	httpClient  *http.Client
	clock       clock.Clock
	logger      *zap.Logger
}

// NewFlutterwaveAdapter creates a new FlutterwaveAdapter. An empty secret key
// is a configuration error.
func NewFlutterwaveAdapter(cfg Config) (*FlutterwaveAdapter, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, fmt.Errorf("flutterwave: secret key is required: %w", adapter.ErrConfiguration)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.Title == "" {
		cfg.Title = "Travel booking"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &FlutterwaveAdapter{
		secretKey:   key,
		redirectURL: cfg.RedirectURL,
		title:       cfg.Title,
		apiBaseURL:  strings.TrimRight(cfg.APIBaseURL, "/"),
		httpClient:  cfg.HTTPClient,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(zap.String("provider", providerName)),
	}, nil
}

// GetName returns the name of the provider.
func (f *FlutterwaveAdapter) GetName() string {
	return providerName
}

type customer struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phonenumber,omitempty"`
	Name        string `json:"name"`
}

type customizations struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type paymentPayload struct {
	TxRef          string            `json:"tx_ref"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	RedirectURL    string            `json:"redirect_url"`
	Customer       customer          `json:"customer"`
	Customizations customizations    `json:"customizations"`
	Meta           map[string]string `json:"meta"`
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paymentLink struct {
	Link string `json:"link"`
}

type transactionData struct {
	ID              int64           `json:"id"`
	TxRef           string          `json:"tx_ref"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	PaymentType     string          `json:"payment_type"`
	CreatedAt       string          `json:"created_at"`
	ProcessorResult string          `json:"processor_response"`
	Card            *struct {
		Last4Digits string `json:"last_4digits"`
		Type        string `json:"type"`
	} `json:"card"`
}

// buildPayload maps the canonical request onto Flutterwave's payment body.
func (f *FlutterwaveAdapter) buildPayload(req adapter.PaymentRequest, txRef string) paymentPayload {
	return paymentPayload{
		TxRef:       txRef,
		Amount:      req.Amount.StringFixed(2),
		Currency:    strings.ToUpper(req.Currency),
		RedirectURL: f.redirectURL,
		Customer: customer{
			Email:       req.CustomerEmail,
			PhoneNumber: req.PhoneNumber,
			Name:        req.CustomerName,
		},
		Customizations: customizations{
			Title:       f.title,
			Description: req.Description,
		},
		Meta: map[string]string{
			"customer_id":       req.CustomerID,
			"country":           req.Country,
			"booking_reference": req.BookingReference,
		},
	}
}

// newTxRef derives a merchant reference unique per attempt.
func newTxRef(bookingReference string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return bookingReference + "-" + hex.EncodeToString(b), nil
}

// InitiatePayment creates a hosted payment link. The merchant tx_ref is the
// transaction id used for later status checks.
func (f *FlutterwaveAdapter) InitiatePayment(ctx context.Context, req adapter.PaymentRequest) (adapter.PaymentResponse, error) {
	txRef, err := newTxRef(req.BookingReference)
	if err != nil {
		return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: providerName, Err: err}
	}
	body, err := json.Marshal(f.buildPayload(req, txRef))
	if err != nil {
		return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: providerName, Err: fmt.Errorf("encode payload: %w", err)}
	}

	status, respBody, err := f.do(ctx, http.MethodPost, f.apiBaseURL+"/payments", body)
	if err != nil {
		return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: providerName, Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)
	switch {
	case status == http.StatusUnauthorized:
		return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: providerName, Err: fmt.Errorf("%w: %s", adapter.ErrConfiguration, env.Message)}
	case status >= 400:
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = fmt.Sprintf("HTTP %d: %s", status, truncate(respBody))
		}
		if status >= 500 || status == http.StatusTooManyRequests {
			return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: providerName, Err: fmt.Errorf("%s", msg)}
		}
		return adapter.PaymentResponse{}, &adapter.ProviderError{Provider: providerName, Code: env.Status, Message: msg, HTTPStatus: status}
	case decodeErr != nil:
		return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: providerName, Err: fmt.Errorf("decode response: %w", decodeErr)}
	case env.Status != "success":
		return adapter.PaymentResponse{}, &adapter.ProviderError{Provider: providerName, Code: env.Status, Message: env.Message, HTTPStatus: status}
	}

	var link paymentLink
	if err := json.Unmarshal(env.Data, &link); err != nil || link.Link == "" {
		return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: providerName, Err: fmt.Errorf("response carried no payment link")}
	}

	f.logger.Info("payment link created",
		zap.String("tx_ref", txRef),
		zap.String("booking_reference", req.BookingReference),
	)
	return adapter.PaymentResponse{
		TransactionID: txRef,
		Status:        adapter.StatusPending,
		RedirectURL:   link.Link,
	}, nil
}

// CheckTransactionStatus verifies a transaction by its merchant reference.
// A reference Flutterwave has not seen yet is still pending: the customer
// has not completed the hosted page.
func (f *FlutterwaveAdapter) CheckTransactionStatus(ctx context.Context, transactionID string) (adapter.Transaction, error) {
	endpoint := f.apiBaseURL + "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(transactionID)
	status, respBody, err := f.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return adapter.Transaction{}, &adapter.TransientError{Provider: providerName, TransactionID: transactionID, Err: err}
	}

	switch {
	case status == http.StatusNotFound:
		return adapter.Transaction{TransactionID: transactionID, Status: adapter.StatusPending, ProviderStatus: "not_found"}, nil
	case status >= 500 || status == http.StatusTooManyRequests:
		return adapter.Transaction{}, &adapter.TransientError{Provider: providerName, TransactionID: transactionID, Err: fmt.Errorf("HTTP %d", status)}
	case status >= 400:
		var env envelope
		_ = json.Unmarshal(respBody, &env)
		return adapter.Transaction{}, &adapter.ProviderError{Provider: providerName, Code: env.Status, Message: env.Message, HTTPStatus: status}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return adapter.Transaction{}, &adapter.TransientError{Provider: providerName, TransactionID: transactionID, Err: fmt.Errorf("decode response: %w", err)}
	}
	var data transactionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return adapter.Transaction{}, &adapter.TransientError{Provider: providerName, TransactionID: transactionID, Err: fmt.Errorf("decode transaction: %w", err)}
	}

	tx := adapter.Transaction{
		TransactionID:  transactionID,
		Status:         f.mapStatus(transactionID, data.Status),
		Amount:         data.Amount,
		Currency:       strings.ToUpper(data.Currency),
		PaymentMethod:  data.PaymentType,
		ProviderStatus: data.Status,
	}
	if data.Card != nil {
		tx.Card = &adapter.CardDetails{Last4: data.Card.Last4Digits, Brand: strings.ToLower(data.Card.Type)}
	}
	if tx.Status == adapter.StatusSuccess {
		paid := f.clock.Now()
		if t, err := time.Parse(time.RFC3339, data.CreatedAt); err == nil {
			paid = t.UTC()
		}
		tx.PaymentDate = &paid
	}
	return tx, nil
}

func (f *FlutterwaveAdapter) mapStatus(transactionID, raw string) adapter.Status {
	switch strings.ToLower(raw) {
	case "successful", "completed":
		return adapter.StatusSuccess
	case "failed", "error":
		return adapter.StatusFailed
	case "cancelled":
		return adapter.StatusCancelled
	case "pending", "new", "processing":
		return adapter.StatusPending
	default:
		f.logger.Warn("unrecognised transaction status",
			zap.String("tx_ref", transactionID),
			zap.String("status", raw),
		)
		return adapter.StatusPending
	}
}

// do sends one request, retrying transport errors, 5xx and 429 responses.
// It returns the final status code and body.
func (f *FlutterwaveAdapter) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= defaultRetryAttempts; attempt++ {
		if attempt > 0 {
			if err := f.clock.Sleep(ctx, defaultRetryDelay); err != nil {
				return 0, nil, err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return 0, nil, fmt.Errorf("create http request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+f.secretKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := f.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http client error on attempt %d: %w", attempt+1, err)
			if ctx.Err() != nil {
				return 0, nil, lastErr
			}
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response body: %w", readErr)
			continue
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		if retryable && attempt < defaultRetryAttempts {
			f.logger.Debug("retrying provider call",
				zap.Int("http_status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}

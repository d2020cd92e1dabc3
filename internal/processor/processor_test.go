package processor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yourorg/travel-checkout/internal/adapter"
	adaptermock "github.com/yourorg/travel-checkout/internal/adapter/mock"
	"github.com/yourorg/travel-checkout/internal/clock"
	"github.com/yourorg/travel-checkout/internal/observability"
	"github.com/yourorg/travel-checkout/internal/processor"
)

type fixture struct {
	proc     *processor.Processor
	metrics  *observability.Metrics
	recorder *tracetest.SpanRecorder
}

func newFixture() fixture {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	proc := processor.NewProcessor(processor.Config{
		Metrics: metrics,
		Tracer:  tp.Tracer("test"),
		Clock:   clock.NewFake(time.Now()),
	})
	return fixture{proc: proc, metrics: metrics, recorder: recorder}
}

func request() adapter.PaymentRequest {
	return adapter.PaymentRequest{Amount: decimal.NewFromInt(880), Currency: "USD", BookingReference: "ABC234"}
}

func TestProcessor_Initiate(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := newFixture()
		gw := adaptermock.NewMockAdapter("mock")

		resp, err := f.proc.Initiate(context.Background(), gw, request())
		require.NoError(t, err)
		assert.Equal(t, adapter.StatusPending, resp.Status)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PaymentAttempts.WithLabelValues("mock", "initiated")))
		assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.ProviderLatency))

		spans := f.recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "Processor.Initiate", spans[0].Name())
	})

	t.Run("ProviderRejection", func(t *testing.T) {
		f := newFixture()
		gw := adaptermock.NewMockAdapter("mock")
		gw.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.PaymentResponse, error) {
			return adapter.PaymentResponse{}, &adapter.ProviderError{Provider: "mock", Code: "card_declined", Message: "declined"}
		}

		_, err := f.proc.Initiate(context.Background(), gw, request())
		var pe *adapter.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PaymentAttempts.WithLabelValues("mock", "rejected")))
	})

	t.Run("InitiationFailure", func(t *testing.T) {
		f := newFixture()
		gw := adaptermock.NewMockAdapter("mock")
		gw.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.PaymentResponse, error) {
			return adapter.PaymentResponse{}, &adapter.InitiationError{Provider: "mock", Err: errors.New("connection refused")}
		}

		_, err := f.proc.Initiate(context.Background(), gw, request())
		require.Error(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PaymentAttempts.WithLabelValues("mock", "initiation_error")))
		spans := f.recorder.Ended()
		require.Len(t, spans, 1)
		assert.NotEmpty(t, spans[0].Events(), "error recorded on span")
	})
}

func TestProcessor_CheckStatus(t *testing.T) {
	t.Run("CountsObservedStatus", func(t *testing.T) {
		f := newFixture()
		gw := adaptermock.New(adaptermock.Config{Name: "mock", Clock: clock.NewFake(time.Now())})
		resp, err := f.proc.Initiate(context.Background(), gw, request())
		require.NoError(t, err)

		tx, err := f.proc.CheckStatus(context.Background(), gw, resp.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, adapter.StatusSuccess, tx.Status)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StatusChecks.WithLabelValues("mock", "success")))
	})

	t.Run("TransientError", func(t *testing.T) {
		f := newFixture()
		gw := adaptermock.NewMockAdapter("mock")
		gw.StatusFunc = func(ctx context.Context, id string) (adapter.Transaction, error) {
			return adapter.Transaction{}, &adapter.TransientError{Provider: "mock", TransactionID: id, Err: errors.New("timeout")}
		}

		_, err := f.proc.CheckStatus(context.Background(), gw, "tx-1")
		assert.True(t, adapter.IsTransient(err))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StatusChecks.WithLabelValues("mock", "transient_error")))
	})
}

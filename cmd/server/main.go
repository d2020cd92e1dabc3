package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/adapter/flutterwave"
	adaptermock "github.com/yourorg/travel-checkout/internal/adapter/mock"
	stripeadapter "github.com/yourorg/travel-checkout/internal/adapter/stripe"
	"github.com/yourorg/travel-checkout/internal/booking"
	"github.com/yourorg/travel-checkout/internal/checkout"
	"github.com/yourorg/travel-checkout/internal/clock"
	"github.com/yourorg/travel-checkout/internal/config"
	"github.com/yourorg/travel-checkout/internal/monitor"
	"github.com/yourorg/travel-checkout/internal/observability"
	"github.com/yourorg/travel-checkout/internal/orchestrator"
	"github.com/yourorg/travel-checkout/internal/policy"
	"github.com/yourorg/travel-checkout/internal/processor"
	"github.com/yourorg/travel-checkout/internal/reporting"
	"github.com/yourorg/travel-checkout/internal/router"
	"github.com/yourorg/travel-checkout/internal/router/circuitbreaker"
	"github.com/yourorg/travel-checkout/internal/session"
	"github.com/yourorg/travel-checkout/internal/store"
	"github.com/yourorg/travel-checkout/internal/validation"
)

// app holds the wired components the HTTP handlers use.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	service   *checkout.Service
	store     store.TransactionStore
	reporter  *reporting.RetrospectiveReporter
	contracts *monitor.ContractMonitor
	router    *router.Router
	modes     map[string]adapter.Mode
	registry  *prometheus.Registry
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

// buildAdapters registers a live adapter for every provider with
// credentials. In dev mode a provider without credentials is simulated, and
// the plain mock provider is always available. Simulated providers resolve
// transactions from records.
func buildAdapters(cfg config.Config, clk clock.Clock, records adaptermock.Records, logger *zap.Logger) (map[string]adapter.PaymentGateway, map[string]adapter.Mode) {
	adapters := make(map[string]adapter.PaymentGateway)
	modes := make(map[string]adapter.Mode)

	mock := func(name string) {
		adapters[name] = adaptermock.New(adaptermock.Config{
			Name:         name,
			ResolveAfter: cfg.Providers.MockResolveAfter,
			Clock:        clk,
			Decider:      adaptermock.RandomDecider(cfg.Providers.MockSuccessRate),
			Logger:       logger,
			Records:      records,
		})
		modes[name] = adapter.ModeMock
	}

	if cfg.Providers.FlutterwaveSecretKey != "" {
		fw, err := flutterwave.NewFlutterwaveAdapter(flutterwave.Config{
			SecretKey:   cfg.Providers.FlutterwaveSecretKey,
			RedirectURL: cfg.Providers.FlutterwaveRedirectURL,
			APIBaseURL:  cfg.Providers.FlutterwaveBaseURL,
			Clock:       clk,
			Logger:      logger,
		})
		if err != nil {
			logger.Warn("flutterwave disabled", zap.Error(err))
		} else {
			adapters[config.ProviderFlutterwave] = fw
			modes[config.ProviderFlutterwave] = adapter.ModeLive
		}
	} else if cfg.DevMode() {
		mock(config.ProviderFlutterwave)
	}

	if cfg.Providers.StripeSecretKey != "" {
		st, err := stripeadapter.NewStripeAdapter(stripeadapter.Config{
			SecretKey: cfg.Providers.StripeSecretKey,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("stripe disabled", zap.Error(err))
		} else {
			adapters[config.ProviderStripe] = st
			modes[config.ProviderStripe] = adapter.ModeLive
		}
	} else if cfg.DevMode() {
		mock(config.ProviderStripe)
	}

	if cfg.DevMode() {
		mock(config.ProviderMock)
	}
	return adapters, modes
}

// routerConfig drops preferred providers that are not registered, so a
// missing credential narrows the provider set instead of failing startup.
func routerConfig(cfg config.Config, adapters map[string]adapter.PaymentGateway, logger *zap.Logger) router.RouterConfig {
	pick := func(name, role string) string {
		if name == "" {
			return ""
		}
		if _, ok := adapters[name]; !ok {
			logger.Warn("preferred provider unavailable", zap.String("provider", name), zap.String("role", role))
			return ""
		}
		return name
	}
	rc := router.RouterConfig{
		PrimaryProviderName:  pick(cfg.Providers.Primary, "primary"),
		FallbackProviderName: pick(cfg.Providers.Fallback, "fallback"),
	}
	if rc.PrimaryProviderName == "" && rc.FallbackProviderName != "" {
		rc.PrimaryProviderName, rc.FallbackProviderName = rc.FallbackProviderName, ""
	}
	return rc
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	clk := clock.Real{}
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(a.registry)

	var txStore store.TransactionStore
	if cfg.Database.URL != "" {
		db, err := store.OpenPostgres(ctx, store.DBConfig{URL: cfg.Database.URL}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		pg := store.NewPostgresStore(db, clk)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		txStore = pg
	} else {
		logger.Warn("DATABASE_URL not set; payment attempts are kept in memory")
		txStore = store.NewMemoryStore(clk)
	}
	a.store = txStore

	var sessions session.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		sessions = session.NewRedisStore(client, cfg.Redis.SessionTTL)
	} else {
		logger.Warn("REDIS_ADDR not set; checkout drafts are kept in memory")
		sessions = session.NewMemoryStore()
	}

	adapters, modes := buildAdapters(cfg, clk, txStore, logger)
	a.modes = modes
	if len(adapters) == 0 {
		logger.Error("no payment providers configured; payments will be refused")
	}

	proc := processor.NewProcessor(processor.Config{Logger: logger, Metrics: metrics, Clock: clk})
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{Clock: clk})
	rtr, err := router.NewRouter(proc, adapters, routerConfig(cfg, adapters, logger), cb, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.router = rtr

	enforcer, err := policy.NewPaymentPolicyEnforcer([]policy.PolicyRule{policy.MaxAttemptsRule(cfg.Checkout.MaxAttempts)})
	if err != nil {
		a.Close()
		return nil, err
	}

	orch, err := orchestrator.NewOrchestrator(orchestrator.Config{
		Gateway:         rtr,
		Store:           txStore,
		Policy:          enforcer,
		Clock:           clk,
		Logger:          logger,
		Metrics:         metrics,
		PollInterval:    cfg.Checkout.PollInterval,
		PollMaxInterval: cfg.Checkout.PollMaxInterval,
		PollTimeout:     cfg.Checkout.PollTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	engine, err := checkout.NewEngine(checkout.Config{
		Gate:       validation.NewGate(validation.PassengerPolicy{MaxPassengers: cfg.Checkout.MaxPassengers}),
		TaxRate:    cfg.Checkout.TaxRate,
		Payments:   orch,
		References: booking.NewReferenceGenerator(nil),
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service = checkout.NewService(engine, sessions, logger)
	a.reporter = reporting.NewRetrospectiveReporter(txStore)

	contracts, err := monitor.NewContractMonitor()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.contracts = contracts

	logger.Info("checkout service wired",
		zap.Strings("providers", rtr.Available()),
		zap.Bool("dev_mode", cfg.DevMode()),
	)
	return a, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger level comes from config, so this one goes to a default logger.
		fallback, _ := zap.NewProduction()
		fallback.Fatal("load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	var traceOut io.Writer
	if cfg.Observability.TraceStdout {
		traceOut = os.Stdout
	}
	tracing, err := observability.SetupTracing(traceOut)
	if err != nil {
		logger.Fatal("setup tracing", zap.Error(err))
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	a, err := buildApp(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Fatal("wire checkout service", zap.Error(err))
	}
	defer a.Close()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      setupRouter(a),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("travel checkout listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("flush traces", zap.Error(err))
	}
}

// Package config loads runtime configuration from the environment and an
// optional .env file, grouped by concern.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile          = ".env"
	defaultEnvironment      = "development"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 2 * time.Minute
	defaultIdleTimeout      = 120 * time.Second
	defaultRatePerMinute    = 120
	defaultRateBurst        = 20
	defaultTaxRate          = "0.10"
	defaultMaxPassengers    = 9
	defaultMaxAttempts      = 3
	defaultPollInterval     = time.Second
	defaultPollMaxInterval  = 8 * time.Second
	defaultPollTimeout      = 90 * time.Second
	defaultFlutterwaveURL   = "https://api.flutterwave.com/v3"
	defaultMockResolveAfter = 3 * time.Second
	defaultMockSuccessRate  = 0.9
	defaultSessionTTL       = 2 * time.Hour
	defaultLogLevel         = "info"
)

// Provider names accepted by CHECKOUT_PROVIDER_PRIMARY and CHECKOUT_PROVIDER_FALLBACK.
const (
	ProviderFlutterwave = "flutterwave"
	ProviderStripe      = "stripe"
	ProviderMock        = "mock"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment   string
	Server        ServerConfig
	Checkout      CheckoutConfig
	Providers     ProviderConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
}

// DevMode reports whether mock payment adapters may stand in for missing credentials.
func (c Config) DevMode() bool {
	return c.Environment != "production"
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	RatePerMinute int
	RateBurst     int
}

// CheckoutConfig tunes pricing, passenger policy and payment polling.
type CheckoutConfig struct {
	TaxRate         decimal.Decimal
	MaxPassengers   int
	MaxAttempts     int
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollTimeout     time.Duration
}

// ProviderConfig holds payment provider credentials and routing preferences.
type ProviderConfig struct {
	Primary                string
	Fallback               string
	FlutterwaveSecretKey   string
	FlutterwaveRedirectURL string
	FlutterwaveBaseURL     string
	StripeSecretKey        string
	MockResolveAfter       time.Duration
	MockSuccessRate        float64
}

// DatabaseConfig points at Postgres. An empty URL keeps attempts in memory.
type DatabaseConfig struct {
	URL string
}

// RedisConfig points at Redis. An empty Addr keeps drafts in memory.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
}

// ObservabilityConfig controls logging and tracing.
type ObservabilityConfig struct {
	LogLevel    string
	TraceStdout bool
}

// ValidationError lists configuration fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env path. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables os.LookupEnv.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the configuration from defaults, the .env file and the environment.
// Environment values win over .env values.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	var invalid []string
	taxRate, err := decimal.NewFromString(stringWithDefault(lookup, "CHECKOUT_TAX_RATE", defaultTaxRate))
	if err != nil {
		invalid = append(invalid, "Checkout.TaxRate")
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "CHECKOUT_ENV", defaultEnvironment)),
		Server: ServerConfig{
			Port:          stringWithDefault(lookup, "CHECKOUT_SERVER_PORT", defaultPort),
			ReadTimeout:   durationWithDefault(lookup, "CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:  durationWithDefault(lookup, "CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:   durationWithDefault(lookup, "CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RatePerMinute: intWithDefault(lookup, "CHECKOUT_RATELIMIT_PER_MIN", defaultRatePerMinute),
			RateBurst:     intWithDefault(lookup, "CHECKOUT_RATELIMIT_BURST", defaultRateBurst),
		},
		Checkout: CheckoutConfig{
			TaxRate:         taxRate,
			MaxPassengers:   intWithDefault(lookup, "CHECKOUT_MAX_PASSENGERS", defaultMaxPassengers),
			MaxAttempts:     intWithDefault(lookup, "CHECKOUT_MAX_PAYMENT_ATTEMPTS", defaultMaxAttempts),
			PollInterval:    durationWithDefault(lookup, "CHECKOUT_POLL_INTERVAL", defaultPollInterval),
			PollMaxInterval: durationWithDefault(lookup, "CHECKOUT_POLL_MAX_INTERVAL", defaultPollMaxInterval),
			PollTimeout:     durationWithDefault(lookup, "CHECKOUT_POLL_TIMEOUT", defaultPollTimeout),
		},
		Providers: ProviderConfig{
			Primary:                strings.ToLower(stringWithDefault(lookup, "CHECKOUT_PROVIDER_PRIMARY", "")),
			Fallback:               strings.ToLower(stringWithDefault(lookup, "CHECKOUT_PROVIDER_FALLBACK", "")),
			FlutterwaveSecretKey:   stringWithDefault(lookup, "FLUTTERWAVE_SECRET_KEY", ""),
			FlutterwaveRedirectURL: stringWithDefault(lookup, "FLUTTERWAVE_REDIRECT_URL", ""),
			FlutterwaveBaseURL:     stringWithDefault(lookup, "FLUTTERWAVE_API_BASE_URL", defaultFlutterwaveURL),
			StripeSecretKey:        stringWithDefault(lookup, "STRIPE_SECRET_KEY", ""),
			MockResolveAfter:       durationWithDefault(lookup, "CHECKOUT_MOCK_RESOLVE_AFTER", defaultMockResolveAfter),
			MockSuccessRate:        floatWithDefault(lookup, "CHECKOUT_MOCK_SUCCESS_RATE", defaultMockSuccessRate),
		},
		Database: DatabaseConfig{
			URL: stringWithDefault(lookup, "DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:       stringWithDefault(lookup, "REDIS_ADDR", ""),
			Password:   stringWithDefault(lookup, "REDIS_PASSWORD", ""),
			DB:         intWithDefault(lookup, "REDIS_DB", 0),
			SessionTTL: durationWithDefault(lookup, "CHECKOUT_SESSION_TTL", defaultSessionTTL),
		},
		Observability: ObservabilityConfig{
			LogLevel:    stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel),
			TraceStdout: boolWithDefault(lookup, "CHECKOUT_TRACE_STDOUT", false),
		},
	}

	invalid = append(invalid, validateConfig(cfg)...)
	if len(invalid) > 0 {
		return Config{}, &ValidationError{fields: invalid}
	}
	return cfg, nil
}

func validateConfig(cfg Config) []string {
	var invalid []string
	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Server.RatePerMinute <= 0 {
		invalid = append(invalid, "Server.RatePerMinute")
	}
	if cfg.Checkout.TaxRate.IsNegative() {
		invalid = append(invalid, "Checkout.TaxRate")
	}
	if cfg.Checkout.MaxPassengers < 1 {
		invalid = append(invalid, "Checkout.MaxPassengers")
	}
	if cfg.Checkout.MaxAttempts < 1 {
		invalid = append(invalid, "Checkout.MaxAttempts")
	}
	if cfg.Checkout.PollInterval <= 0 || cfg.Checkout.PollMaxInterval < cfg.Checkout.PollInterval {
		invalid = append(invalid, "Checkout.PollInterval")
	}
	if cfg.Checkout.PollTimeout <= 0 {
		invalid = append(invalid, "Checkout.PollTimeout")
	}
	if !knownProvider(cfg.Providers.Primary) {
		invalid = append(invalid, "Providers.Primary")
	}
	if !knownProvider(cfg.Providers.Fallback) {
		invalid = append(invalid, "Providers.Fallback")
	}
	if cfg.Providers.MockSuccessRate < 0 || cfg.Providers.MockSuccessRate > 1 {
		invalid = append(invalid, "Providers.MockSuccessRate")
	}
	return invalid
}

func knownProvider(name string) bool {
	switch name {
	case "", ProviderFlutterwave, ProviderStripe, ProviderMock:
		return true
	}
	return false
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// SignatureAlgo identifies how a gateway signs its webhook payloads.
type SignatureAlgo string

const (
	AlgoHMACSHA256 SignatureAlgo = "hmac-sha256"
	AlgoHMACSHA512 SignatureAlgo = "hmac-sha512"
	AlgoStripe     SignatureAlgo = "stripe" // Stripe-Signature scheme, verified via stripe-go
)

// Gateway holds the per-gateway credentials and fee schedule. Injected
// into the webhook adapter at construction; nothing reads gateway
// credentials from globals.
type Gateway struct {
	Name        string
	DisplayName string
	Secret      string
	Algo        SignatureAlgo
	BaseURL     string
	Timeout     time.Duration

	// Fee schedule: fee = amount * FeePercent/100 + FeeFixed, in base currency.
	FeePercent decimal.Decimal
	FeeFixed   decimal.Decimal
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement
	BaseCurrency      string // all escrow balances are held in this currency
	ReconcileInterval time.Duration
	AutoReleaseDays   int // 0 disables auto-release

	// Currency conversion service
	RatesURL      string
	RatesTimeout  time.Duration
	RatesCacheTTL time.Duration

	// Notification dispatch (SMS/email relay)
	NotifyURL    string
	NotifySecret string

	// Tracing
	OTLPEndpoint string

	// Payment gateways, keyed by gateway name.
	Gateways map[string]Gateway
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultBaseCurrency      = "GHS"
	DefaultReconcileInterval = 5 * time.Minute
	DefaultAutoReleaseDays   = 7
	DefaultGatewayTimeout    = 10 * time.Second
	DefaultRatesTimeout      = 5 * time.Second
	DefaultRatesCacheTTL     = time.Minute
)

// defaultAlgos maps the gateways AgriConnect integrates to their webhook
// signature schemes. Paystack signs with HMAC-SHA512; most others use
// HMAC-SHA256; Stripe uses its own Stripe-Signature header format.
var defaultAlgos = map[string]SignatureAlgo{
	"paystack":    AlgoHMACSHA512,
	"flutterwave": AlgoHMACSHA256,
	"mtn_momo":    AlgoHMACSHA256,
	"stripe":      AlgoStripe,
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		BaseCurrency:      getEnv("BASE_CURRENCY", DefaultBaseCurrency),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AutoReleaseDays:   int(getEnvInt64("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays)),
		RatesURL:          os.Getenv("RATES_URL"),
		RatesTimeout:      getEnvDuration("RATES_TIMEOUT", DefaultRatesTimeout),
		RatesCacheTTL:     getEnvDuration("RATES_CACHE_TTL", DefaultRatesCacheTTL),
		NotifyURL:         os.Getenv("NOTIFY_URL"),
		NotifySecret:      os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Gateways:          map[string]Gateway{},
	}

	names := strings.Split(getEnv("GATEWAYS", "paystack,flutterwave,mtn_momo"), ",")
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		gw, err := loadGateway(name)
		if err != nil {
			return nil, err
		}
		cfg.Gateways[name] = gw
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadGateway reads the GATEWAY_<NAME>_* variables for one gateway.
func loadGateway(name string) (Gateway, error) {
	prefix := "GATEWAY_" + strings.ToUpper(name) + "_"

	algo := defaultAlgos[name]
	if algo == "" {
		algo = AlgoHMACSHA256
	}
	if v := os.Getenv(prefix + "ALGO"); v != "" {
		switch SignatureAlgo(v) {
		case AlgoHMACSHA256, AlgoHMACSHA512, AlgoStripe:
			algo = SignatureAlgo(v)
		default:
			return Gateway{}, fmt.Errorf("%sALGO: unknown signature algorithm %q", prefix, v)
		}
	}

	feePercent, err := getEnvDecimal(prefix+"FEE_PERCENT", decimal.Zero)
	if err != nil {
		return Gateway{}, err
	}
	feeFixed, err := getEnvDecimal(prefix+"FEE_FIXED", decimal.Zero)
	if err != nil {
		return Gateway{}, err
	}

	return Gateway{
		Name:        name,
		DisplayName: getEnv(prefix+"DISPLAY_NAME", name),
		Secret:      os.Getenv(prefix + "SECRET"),
		Algo:        algo,
		BaseURL:     os.Getenv(prefix + "BASE_URL"),
		Timeout:     getEnvDuration(prefix+"TIMEOUT", DefaultGatewayTimeout),
		FeePercent:  feePercent,
		FeeFixed:    feeFixed,
	}, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if len(c.BaseCurrency) != 3 {
		return fmt.Errorf("BASE_CURRENCY must be a 3-letter code, got %q", c.BaseCurrency)
	}
	if len(c.Gateways) == 0 {
		return fmt.Errorf("at least one gateway must be configured (GATEWAYS)")
	}
	if c.IsProduction() {
		for name, gw := range c.Gateways {
			if gw.Secret == "" {
				return fmt.Errorf("GATEWAY_%s_SECRET is required in production", strings.ToUpper(name))
			}
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, value)
	}
	if d.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}

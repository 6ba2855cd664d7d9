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

// Settlement modes.
const (
	// SettleOnConfirmation writes the ledger fan-out when the processor
	// confirms the payment intent.
	SettleOnConfirmation = "confirmation"
	// SettleOnIntent writes the ledger fan-out in the same transaction
	// that records the payment intent.
	SettleOnIntent = "intent"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	CORSOrigins []string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis for presence and locks (optional, uses in-memory if not set)

	// Identity
	JWTSecret string
	JWTIssuer string

	// Payment processor
	StripeSecretKey           string
	StripePublishableKey      string
	StripeWebhookSecret       string
	StripeEphemeralKeyVersion string

	// Settlement
	TaxRate         decimal.Decimal // percent
	PlatformFeeRate decimal.Decimal // percent
	Currency        string
	SettlementMode  string
	RefundWindow    time.Duration

	// Realtime
	PresenceTTL time.Duration

	// Security
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                      = "8080"
	DefaultEnv                       = "development"
	DefaultLogLevel                  = "info"
	DefaultLogFormat                 = "json"
	DefaultJWTIssuer                 = "servicedesk"
	DefaultTaxRate                   = "5"
	DefaultPlatformFeeRate           = "10"
	DefaultCurrency                  = "usd"
	DefaultStripeEphemeralKeyVersion = "2025-04-30.basil"
	DefaultRefundWindow              = 72 * time.Hour
	DefaultPresenceTTL               = time.Hour
	DefaultRateLimit                 = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	taxRate, err := getEnvDecimal("TAX_RATE", DefaultTaxRate)
	if err != nil {
		return nil, err
	}
	feeRate, err := getEnvDecimal("PLATFORM_FEE_RATE", DefaultPlatformFeeRate)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       getEnv("ENV", DefaultEnv),
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                 getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:               getEnvList("CORS_ORIGINS", []string{"*"}),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisURL:                  os.Getenv("REDIS_URL"),
		JWTSecret:                 os.Getenv("JWT_SECRET"),
		JWTIssuer:                 getEnv("JWT_ISSUER", DefaultJWTIssuer),
		StripeSecretKey:           os.Getenv("STRIPE_SECRET_KEY"),
		StripePublishableKey:      os.Getenv("STRIPE_PUBLISHABLE_KEY"),
		StripeWebhookSecret:       os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeEphemeralKeyVersion: getEnv("STRIPE_EPHEMERAL_KEY_VERSION", DefaultStripeEphemeralKeyVersion),
		TaxRate:                   taxRate,
		PlatformFeeRate:           feeRate,
		Currency:                  strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		SettlementMode:            getEnv("SETTLEMENT_MODE", SettleOnConfirmation),
		RefundWindow:              getEnvDuration("REFUND_WINDOW", DefaultRefundWindow),
		PresenceTTL:               getEnvDuration("PRESENCE_TTL", DefaultPresenceTTL),
		RateLimitRPM:              int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	if c.SettlementMode != SettleOnConfirmation && c.SettlementMode != SettleOnIntent {
		return fmt.Errorf("SETTLEMENT_MODE must be %q or %q", SettleOnConfirmation, SettleOnIntent)
	}

	if c.TaxRate.IsNegative() || c.PlatformFeeRate.IsNegative() {
		return fmt.Errorf("TAX_RATE and PLATFORM_FEE_RATE must not be negative")
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal number: %w", key, err)
	}
	return d, nil
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Money settings
	Currency string // ISO currency code; the platform is single-currency

	// Payment gateways
	StripeSecretKey      string
	StripeWebhookSecret  string // Signing secret for Stripe webhook endpoints
	CheckoutSuccessURL   string // Where Stripe Checkout redirects after payment
	CheckoutCancelURL    string // Where Stripe Checkout redirects on abandon
	PaystackSecretKey    string // Also the HMAC key for Paystack webhook verification
	PaystackBaseURL      string // Overridable for tests
	GatewayTimeoutSecs   int    // Outbound call timeout for charge initiation
	ReconcileAlertWebhook string // Optional operator alert URL for reconciliation failures

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCurrency       = "USD"
	DefaultPaystackURL    = "https://api.paystack.co"
	DefaultGatewayTimeout = 30
	DefaultRateLimit      = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:              getEnv("CURRENCY", DefaultCurrency),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:    getEnv("CHECKOUT_SUCCESS_URL", "https://fairhold.example.com/checkout/success"),
		CheckoutCancelURL:     getEnv("CHECKOUT_CANCEL_URL", "https://fairhold.example.com/checkout/cancel"),
		PaystackSecretKey:     os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:       getEnv("PAYSTACK_BASE_URL", DefaultPaystackURL),
		GatewayTimeoutSecs:    int(getEnvInt64("GATEWAY_TIMEOUT_SECS", DefaultGatewayTimeout)),
		ReconcileAlertWebhook: os.Getenv("RECONCILE_ALERT_WEBHOOK"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code")
	}

	if c.GatewayTimeoutSecs <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT_SECS must be positive")
	}

	// Production runs against real money; fail fast on missing secrets.
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required in production")
		}
		if c.PaystackSecretKey == "" {
			return fmt.Errorf("PAYSTACK_SECRET_KEY is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
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

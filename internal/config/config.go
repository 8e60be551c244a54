// Package config defines the global configuration for the Prodify credits
// service. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles.
//
// Values are resolved via: OS Environment (highest) -> dotenv file. Any
// missing required value or invalid format fails the process on startup.
package config

import (
	"time"

	"prodify/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Security SecurityConfig
	Renewal  RenewalConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string   `envconfig:"PORT" default:"8080"`
	DashboardURL string   `envconfig:"DASHBOARD_URL" default:"http://localhost:3000"`
	CORSOrigins  []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// BillingConfig holds Stripe integration credentials and the price-to-plan
// mapping. The per-plan price IDs mirror the provider dashboard configuration;
// an inbound price ID outside this set is an unknown_plan_price error.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	ProMonthlyPriceID        string `envconfig:"STRIPE_PRO_MONTHLY_PRICE_ID"`
	ProYearlyPriceID         string `envconfig:"STRIPE_PRO_YEARLY_PRICE_ID"`
	EnterpriseMonthlyPriceID string `envconfig:"STRIPE_ENTERPRISE_MONTHLY_PRICE_ID"`
	EnterpriseYearlyPriceID  string `envconfig:"STRIPE_ENTERPRISE_YEARLY_PRICE_ID"`

	CheckoutSuccessURL string `envconfig:"CHECKOUT_SUCCESS_URL" default:"http://localhost:3000/pricing?success=true"`
	CheckoutCancelURL  string `envconfig:"CHECKOUT_CANCEL_URL" default:"http://localhost:3000/pricing?canceled=true"`
}

// PriceToPlanName returns the plan name for a Stripe price ID, or ok=false
// when the price ID is not part of the configured mapping.
func (b BillingConfig) PriceToPlanName(priceID string) (string, bool) {
	switch priceID {
	case "":
		return "", false
	case b.ProMonthlyPriceID, b.ProYearlyPriceID:
		return "Pro", true
	case b.EnterpriseMonthlyPriceID, b.EnterpriseYearlyPriceID:
		return "Enterprise", true
	}
	return "", false
}

// SecurityConfig holds the out-of-band admin credential for manual renewal
// triggers. This is a shared secret, not end-user session auth.
type SecurityConfig struct {
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
}

// RenewalConfig tunes the renewal sweep.
type RenewalConfig struct {
	BatchSize   int    `envconfig:"RENEWAL_BATCH_SIZE" default:"100"`
	Concurrency int    `envconfig:"RENEWAL_CONCURRENCY" default:"4"`
	CronSpec    string `envconfig:"RENEWAL_CRON" default:"@hourly"`
}

// Package config defines the dispatcher's configuration structure.
// Configuration is loaded once at process startup and is immutable
// thereafter; components receive only the config subsets they require at
// construction time, and nothing re-reads the environment after Load.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File
//
// Any missing required value or invalid format aborts the run before any
// core operation executes.
package config

import (
	"time"

	"triggermail/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the dispatcher.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"prod" validate:"required,oneof=local dev prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile     string `envconfig:"LOG_FILE"` // empty = stderr

	Ledger    LedgerDBConfig
	OrderDB   OrderDBConfig
	Notify    NotifyConfig
	WordPress WordPressConfig
	Cart      CartConfig
	Alert     AlertConfig
}

// LedgerDBConfig holds the connection settings for the dispatcher's own
// state store (send ledger and subscriber cache).
type LedgerDBConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"4"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// OrderDBConfig holds the connection settings for the order-management
// database. Read-only: the dispatcher only invokes the email-feed
// procedures and the stock lookup.
type OrderDBConfig struct {
	URL SecretString `envconfig:"ORDERDB_URL" validate:"required"`
}

// NotifyConfig holds the notification provider endpoint, the smoke-test
// recipient, and the per-template encrypt keys. Every published template
// has its own key.
type NotifyConfig struct {
	BaseURL       string        `envconfig:"NOTIFY_BASE_URL" default:"https://api.notificationmessaging.com"`
	Timeout       time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"30s"`
	TestRecipient string        `envconfig:"NOTIFY_TEST_RECIPIENT" validate:"required,email"`

	TestKey          SecretString `envconfig:"NOTIFY_KEY_TEST" validate:"required"`
	OrderConfKey     SecretString `envconfig:"NOTIFY_KEY_ORDER_CONF" validate:"required"`
	ShipConfKey      SecretString `envconfig:"NOTIFY_KEY_SHIP_CONF" validate:"required"`
	AutoshipKey      SecretString `envconfig:"NOTIFY_KEY_AUTOSHIP" validate:"required"`
	BackorderKey     SecretString `envconfig:"NOTIFY_KEY_BACKORDER" validate:"required"`
	BlogSubKey       SecretString `envconfig:"NOTIFY_KEY_BLOG_SUB" validate:"required"`
	BlogUnsubKey     SecretString `envconfig:"NOTIFY_KEY_BLOG_UNSUB" validate:"required"`
	CartShortKey     SecretString `envconfig:"NOTIFY_KEY_CART_SHORT" validate:"required"`
	CartLongKey      SecretString `envconfig:"NOTIFY_KEY_CART_LONG" validate:"required"`
}

// WordPressConfig holds the blog platform credentials for the subscriber
// snapshot. AppPassword is a WordPress application password with user-list
// permission.
type WordPressConfig struct {
	BaseURL     string        `envconfig:"WP_BASE_URL" validate:"required,url"`
	Username    string        `envconfig:"WP_USERNAME" validate:"required"`
	AppPassword SecretString  `envconfig:"WP_APP_PASSWORD" validate:"required"`
	Timeout     time.Duration `envconfig:"WP_TIMEOUT" default:"30s"`
}

// CartConfig holds the cart platform's open-API credentials.
type CartConfig struct {
	BaseURL  string        `envconfig:"CART_BASE_URL" validate:"required,url"`
	Username string        `envconfig:"CART_USERNAME" validate:"required"`
	Password SecretString  `envconfig:"CART_PASSWORD" validate:"required"`
	Token    SecretString  `envconfig:"CART_TOKEN" validate:"required"`
	Timeout  time.Duration `envconfig:"CART_TIMEOUT" default:"30s"`
}

// AlertConfig holds the SMTP relay for run-failure alerts. Alerting is
// disabled when Host is empty.
type AlertConfig struct {
	Host     string       `envconfig:"ALERT_SMTP_HOST"`
	Port     int          `envconfig:"ALERT_SMTP_PORT" default:"25"`
	From     string       `envconfig:"ALERT_FROM"`
	To       []string     `envconfig:"ALERT_TO"`
	Username string       `envconfig:"ALERT_SMTP_USERNAME"`
	Password SecretString `envconfig:"ALERT_SMTP_PASSWORD"`
}

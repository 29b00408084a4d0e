// Package config provides configuration loading for the entitlements service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Rate-limited operations with built-in defaults.
const (
	OpCreateCheckoutSession = "create-checkout-session"
	OpWebhook               = "webhook"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Billing   BillingConfig   `mapstructure:"billing"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Host           string        `mapstructure:"host"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Environment    string        `mapstructure:"environment"` // dev, staging, prod
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// IsDev reports whether the server runs in the dev environment.
func (c ServerConfig) IsDev() bool {
	return c.Environment == "" || c.Environment == "dev"
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StripeConfig holds payment gateway configuration.
type StripeConfig struct {
	SecretKey        string        `mapstructure:"secret_key"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	SuccessURL       string        `mapstructure:"success_url"`
	CancelURL        string        `mapstructure:"cancel_url"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker around gateway calls.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
	SessionSecret string `mapstructure:"session_secret"`
	SessionName   string `mapstructure:"session_name"`
}

// BillingConfig holds reconciliation and entitlement settings.
type BillingConfig struct {
	FreePlanSlug   string        `mapstructure:"free_plan_slug"`
	StrictOrdering bool          `mapstructure:"strict_ordering"`
	ClaimLease     time.Duration `mapstructure:"claim_lease"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig bounds the in-pass retry of transient branch failures.
type RetryConfig struct {
	MaxAttempts     uint64        `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// RateLimitConfig selects the counter backend and per-operation rules.
type RateLimitConfig struct {
	Backend string          `mapstructure:"backend"` // redis or postgres
	Rules   map[string]Rule `mapstructure:"rules"`
}

// Rule is a fixed-window limit for one operation.
type Rule struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

// Rule returns the rule for op and whether one is configured.
func (c RateLimitConfig) Rule(op string) (Rule, bool) {
	r, ok := c.Rules[op]
	return r, ok
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string   `mapstructure:"level"`
	Format     string   `mapstructure:"format"`
	RedactKeys []string `mapstructure:"redact_keys"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/obrafy")

	v.SetEnvPrefix("OBRAFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Secrets have no defaults, so AutomaticEnv alone won't surface them on Unmarshal.
	for _, key := range []string{
		"stripe.secret_key",
		"stripe.webhook_secret",
		"auth.jwt_secret",
		"auth.session_secret",
		"database.password",
		"redis.password",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings that must hold before the service starts.
func (c *Config) Validate() error {
	var errs []error

	if !c.Server.IsDev() {
		if c.Stripe.SecretKey == "" {
			errs = append(errs, errors.New("stripe.secret_key is required"))
		}
		if c.Stripe.WebhookSecret == "" {
			errs = append(errs, errors.New("stripe.webhook_secret is required"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required"))
		}
	}
	if strings.TrimSpace(c.Billing.FreePlanSlug) == "" {
		errs = append(errs, errors.New("billing.free_plan_slug is required"))
	}
	if c.Billing.ClaimLease <= 0 {
		errs = append(errs, errors.New("billing.claim_lease must be positive"))
	}
	switch c.RateLimit.Backend {
	case "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend %q is not one of redis, postgres", c.RateLimit.Backend))
	}
	for op, r := range c.RateLimit.Rules {
		if r.Window <= 0 || r.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit rule %q needs a positive window and max_requests", op))
		}
	}

	return errors.Join(errs...)
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.request_timeout", "20s")
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "obrafy")
	v.SetDefault("database.password", "obrafy")
	v.SetDefault("database.database", "obrafy")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Stripe defaults
	v.SetDefault("stripe.success_url", "http://localhost:3000/billing/success?session_id={CHECKOUT_SESSION_ID}")
	v.SetDefault("stripe.cancel_url", "http://localhost:3000/billing")
	v.SetDefault("stripe.webhook_tolerance", "5m")
	v.SetDefault("stripe.breaker.max_requests", 1)
	v.SetDefault("stripe.breaker.interval", "60s")
	v.SetDefault("stripe.breaker.timeout", "30s")
	v.SetDefault("stripe.breaker.consecutive_failures", 5)

	// Auth defaults
	v.SetDefault("auth.jwt_issuer", "obrafy")
	v.SetDefault("auth.session_name", "obrafy_session")

	// Billing defaults
	v.SetDefault("billing.free_plan_slug", "free")
	v.SetDefault("billing.strict_ordering", false)
	v.SetDefault("billing.claim_lease", "2m")
	v.SetDefault("billing.retry.max_attempts", 3)
	v.SetDefault("billing.retry.initial_interval", "200ms")
	v.SetDefault("billing.retry.max_interval", "2s")
	v.SetDefault("billing.retry.max_elapsed_time", "10s")

	// Rate limit defaults
	v.SetDefault("ratelimit.backend", "redis")
	v.SetDefault("ratelimit.rules."+OpCreateCheckoutSession+".window", "1m")
	v.SetDefault("ratelimit.rules."+OpCreateCheckoutSession+".max_requests", 10)
	v.SetDefault("ratelimit.rules."+OpWebhook+".window", "1m")
	v.SetDefault("ratelimit.rules."+OpWebhook+".max_requests", 300)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Package config loads register settings from TILL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/till/internal/command"
	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/payment"
)

// Config holds everything the CLI needs to assemble a register.
type Config struct {
	DBPath      string `env:"TILL_DB"      envDefault:"till.db"`
	CatalogPath string `env:"TILL_CATALOG"`

	GatewayLatency time.Duration `env:"TILL_GATEWAY_LATENCY" envDefault:"2s"`
	FailureRate    float64       `env:"TILL_FAILURE_RATE"    envDefault:"0.1"`
	MaxRetries     int           `env:"TILL_MAX_RETRIES"     envDefault:"3"`
	BaseDelay      time.Duration `env:"TILL_BACKOFF_BASE"    envDefault:"1s"`
	MaxDelay       time.Duration `env:"TILL_BACKOFF_MAX"     envDefault:"4s"`

	RetentionMaxAge   time.Duration `env:"TILL_RETENTION_MAX_AGE"   envDefault:"720h"`
	RetentionMaxCount int           `env:"TILL_RETENTION_MAX_COUNT" envDefault:"1000"`

	MetricsWindow time.Duration `env:"TILL_METRICS_WINDOW" envDefault:"5m"`
	TraceCapacity int           `env:"TILL_TRACE_CAPACITY" envDefault:"1000"`

	DemoStepDelay    time.Duration `env:"TILL_DEMO_STEP_DELAY"    envDefault:"700ms"`
	DemoReceiptDelay time.Duration `env:"TILL_DEMO_RECEIPT_DELAY" envDefault:"3s"`

	LogLevel     slog.Level `env:"TILL_LOG_LEVEL"     envDefault:"info"`
	OTLPEndpoint string     `env:"TILL_OTLP_ENDPOINT"`

	// Seed fixes the random source. Zero picks a random seed.
	Seed uint64 `env:"TILL_SEED"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("TILL_DB must not be empty"))
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("TILL_FAILURE_RATE must be in [0, 1], got %v", c.FailureRate))
	}
	if c.GatewayLatency < 0 {
		errs = append(errs, fmt.Errorf("TILL_GATEWAY_LATENCY must not be negative, got %s", c.GatewayLatency))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("TILL_MAX_RETRIES must not be negative, got %d", c.MaxRetries))
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("backoff needs 0 < TILL_BACKOFF_BASE <= TILL_BACKOFF_MAX, got %s and %s", c.BaseDelay, c.MaxDelay))
	}
	if c.RetentionMaxAge < 0 || c.RetentionMaxCount < 0 {
		errs = append(errs, errors.New("retention bounds must not be negative"))
	}
	if c.MetricsWindow <= 0 {
		errs = append(errs, fmt.Errorf("TILL_METRICS_WINDOW must be positive, got %s", c.MetricsWindow))
	}
	if c.TraceCapacity <= 0 {
		errs = append(errs, fmt.Errorf("TILL_TRACE_CAPACITY must be positive, got %d", c.TraceCapacity))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RetryPolicy returns the payment retry policy.
func (c Config) RetryPolicy() payment.RetryPolicy {
	return payment.RetryPolicy{MaxRetries: c.MaxRetries, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
}

// Retention returns the ledger rotation policy.
func (c Config) Retention() ledger.RetentionPolicy {
	return ledger.RetentionPolicy{MaxAge: c.RetentionMaxAge, MaxCount: c.RetentionMaxCount}
}

// Demo returns the demo loop pacing.
func (c Config) Demo() command.DemoConfig {
	cfg := command.DefaultDemoConfig
	cfg.StepDelay = c.DemoStepDelay
	cfg.ReceiptDelay = c.DemoReceiptDelay
	return cfg
}

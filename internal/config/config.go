// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration structure, the
// enumerated keys of spec.md §6.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Risk        RiskConfig        `yaml:"risk"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	EventBus    EventBusConfig    `yaml:"event_bus"`
	Timing      TimingConfig      `yaml:"timing"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Trading     TradingConfig     `yaml:"trading"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	StartingCapital string `yaml:"starting_capital" validate:"required"` // Money literal, e.g. "10000"
	Currency        string `yaml:"currency" validate:"required"`
	PaperTrading    bool   `yaml:"paper_trading"` // never defaults to false; see Validate
	LogLevel        string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	DatabaseURL     Secret `yaml:"database_url"` // DBOS workflow store DSN
}

// RiskConfig contains Circuit Breaker settings (spec §4.4).
type RiskConfig struct {
	LossThresholdPercent float64 `yaml:"loss_threshold_percent" validate:"required,gt=0,lt=1"`
	CooldownSeconds      int     `yaml:"cooldown_seconds" validate:"required,min=1"`
	DrainDeadlineSeconds int     `yaml:"drain_deadline_seconds" validate:"required,min=1"`
	StatePath            string  `yaml:"state_path" validate:"required"`
}

// ReconcileConfig contains Position Reconciler settings (spec §4.11).
type ReconcileConfig struct {
	IntervalSeconds  int     `yaml:"interval_seconds" validate:"required,min=1"`
	TolerancePercent float64 `yaml:"tolerance_percent" validate:"required,gt=0"`
	FailLimit        int     `yaml:"fail_limit" validate:"required,min=1"`
}

// EventBusConfig contains Event Bus settings (spec §4.5).
type EventBusConfig struct {
	MaxQueueSize   int      `yaml:"max_queue_size" validate:"required,min=1"`
	CriticalTopics []string `yaml:"critical_topics"`
}

// TimingConfig contains suspension-point deadlines (spec §5).
type TimingConfig struct {
	SymbolLockTimeoutMs int `yaml:"symbol_lock_timeout_ms" validate:"required,min=1"`
	SubmitTimeoutMs     int `yaml:"submit_timeout_ms" validate:"required,min=1"`
	FetchPollIntervalMs int `yaml:"fetch_poll_interval_ms" validate:"required,min=1"`
	FetchDeadlineMs     int `yaml:"fetch_deadline_ms" validate:"required,min=1"`
}

// TradingConfig contains the symbol universe and the conservative
// reference-price table the Order Gateway uses to pre-reserve funds before
// an exchange quote is available (spec §4.9 step 2, §4.11's reconciled
// symbol set).
type TradingConfig struct {
	Symbols                []string          `yaml:"symbols" validate:"required,min=1"`
	FeeBufferRate          string            `yaml:"fee_buffer_rate"`
	ReferencePrices        map[string]string `yaml:"reference_prices"`
	FallbackReferencePrice string            `yaml:"fallback_reference_price" validate:"required"`
}

// PersistenceConfig contains on-disk layout settings (spec §6).
type PersistenceConfig struct {
	WALDir          string `yaml:"wal_dir" validate:"required"`
	PersistencePath string `yaml:"persistence_path" validate:"required"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of the configuration. It never
// treats an unset PaperTrading as "not paper trading" — a missing or
// malformed app section must fail closed rather than default to live
// trading (spec.md §6: "never defaults to false").
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateReconcileConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEventBusConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validatePersistenceConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.StartingCapital == "" {
		return ValidationError{Field: "app.starting_capital", Message: "starting capital is required"}
	}
	if c.App.Currency == "" {
		return ValidationError{Field: "app.currency", Message: "currency is required"}
	}
	if !c.App.PaperTrading {
		return ValidationError{Field: "app.paper_trading", Value: c.App.PaperTrading, Message: "must be true; an unset value is rejected rather than read as live trading"}
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.LossThresholdPercent <= 0 || c.Risk.LossThresholdPercent >= 1 {
		return ValidationError{
			Field:   "risk.loss_threshold_percent",
			Value:   c.Risk.LossThresholdPercent,
			Message: "must be in (0, 1)",
		}
	}
	if c.Risk.StatePath == "" {
		return ValidationError{Field: "risk.state_path", Message: "circuit breaker state path is required"}
	}
	return nil
}

func (c *Config) validateReconcileConfig() error {
	if c.Reconcile.IntervalSeconds <= 0 {
		return ValidationError{Field: "reconcile.interval_seconds", Message: "must be positive"}
	}
	if c.Reconcile.TolerancePercent <= 0 {
		return ValidationError{Field: "reconcile.tolerance_percent", Message: "must be positive"}
	}
	if c.Reconcile.FailLimit <= 0 {
		return ValidationError{Field: "reconcile.fail_limit", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateEventBusConfig() error {
	if c.EventBus.MaxQueueSize <= 0 {
		return ValidationError{Field: "event_bus.max_queue_size", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validatePersistenceConfig() error {
	if c.Persistence.WALDir == "" {
		return ValidationError{Field: "persistence.wal_dir", Message: "WAL directory is required"}
	}
	if c.Persistence.PersistencePath == "" {
		return ValidationError{Field: "persistence.persistence_path", Message: "persistence path is required"}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if len(c.Trading.Symbols) == 0 {
		return ValidationError{Field: "trading.symbols", Message: "at least one symbol is required"}
	}
	if c.Trading.FallbackReferencePrice == "" {
		return ValidationError{Field: "trading.fallback_reference_price", Message: "fallback reference price is required"}
	}
	return nil
}

// String returns a string representation of the configuration (with
// sensitive data masked via the Secret type's own marshaler).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing, mirroring the
// Mock Exchange's paper-trading posture.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			StartingCapital: "10000",
			Currency:        "USDT",
			PaperTrading:    true,
			LogLevel:        "INFO",
		},
		Risk: RiskConfig{
			LossThresholdPercent: 0.10,
			CooldownSeconds:      300,
			DrainDeadlineSeconds: 60,
			StatePath:            "./data/circuit_breaker_state.json",
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds:  30,
			TolerancePercent: 0.01,
			FailLimit:        3,
		},
		EventBus: EventBusConfig{
			MaxQueueSize: 10000,
			CriticalTopics: []string{
				"risk:circuit_breaker", "risk:position_mismatch", "risk:alert",
				"system:critical", "system:error",
			},
		},
		Timing: TimingConfig{
			SymbolLockTimeoutMs: 5000,
			SubmitTimeoutMs:     30000,
			FetchPollIntervalMs: 500,
			FetchDeadlineMs:     60000,
		},
		Persistence: PersistenceConfig{
			WALDir:          "./data/wal",
			PersistencePath: "./data/orders.db",
		},
		Trading: TradingConfig{
			Symbols:       []string{"BTC/USDT", "ETH/USDT"},
			FeeBufferRate: "0.002",
			ReferencePrices: map[string]string{
				"BTC/USDT": "60000",
				"ETH/USDT": "3000",
			},
			FallbackReferencePrice: "100",
		},
	}
}

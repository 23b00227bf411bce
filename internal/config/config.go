// Package config loads launchpad engine configuration from an optional YAML
// file, .env files and LAUNCHPAD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowDeposits   bool          `mapstructure:"allow_deposits"` // direct credit endpoint, dev only
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL runs on the
// in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds Redis configuration. An empty URL disables caching.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// NATSConfig holds NATS configuration. An empty URL disables publishing.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectionName string        `mapstructure:"connection_name"`
}

// CurveConfig holds the defaults for new tokens.
type CurveConfig struct {
	TotalSupply    decimal.Decimal `mapstructure:"-"`
	InitialPrice   decimal.Decimal `mapstructure:"-"`
	FinalPrice     decimal.Decimal `mapstructure:"-"`
	TargetFraction decimal.Decimal `mapstructure:"-"` // of the full-curve reserve
	CreationFee    decimal.Decimal `mapstructure:"-"`
}

// TradingConfig holds quoting and settlement configuration
type TradingConfig struct {
	FeeRate              decimal.Decimal `mapstructure:"-"`
	DefaultSlippagePct   decimal.Decimal `mapstructure:"-"`
	ListingProfit        decimal.Decimal `mapstructure:"-"`
	QuoteValidity        time.Duration   `mapstructure:"quote_validity"`
	MaxRetries           int             `mapstructure:"max_retries"`
	RetryInitialInterval time.Duration   `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration   `mapstructure:"retry_max_interval"`
}

// PaymentConfig holds payment reconciliation configuration
type PaymentConfig struct {
	Recipient       string          `mapstructure:"recipient"` // platform wallet
	AmountTolerance decimal.Decimal `mapstructure:"-"`
	TTL             time.Duration   `mapstructure:"ttl"`
	RecencyWindow   time.Duration   `mapstructure:"recency_window"`
	ClockSkew       time.Duration   `mapstructure:"clock_skew"`
	PollInterval    time.Duration   `mapstructure:"poll_interval"`
	CycleTimeout    time.Duration   `mapstructure:"cycle_timeout"`
	BackoffCap      time.Duration   `mapstructure:"backoff_cap"`
	Workers         int             `mapstructure:"workers"`
	ActionTimeout   time.Duration   `mapstructure:"action_timeout"`
}

// SourceConfig holds the invoicing API configuration. An empty base URL
// leaves the reconciler push-only.
type SourceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	RateLimit float64       `mapstructure:"rate_limit"` // requests per second
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Config is the launchpad engine configuration.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Curve    CurveConfig    `mapstructure:"curve"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Source   SourceConfig   `mapstructure:"source"`
}

// Load reads configuration. configFile may be empty, in which case
// config.yaml is searched for in . and config/; a missing file is not an
// error. Files in envPath (.env, .env.local) are loaded into the
// environment first, and LAUNCHPAD_* variables override everything.
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)
	setDefaults(v)
	bindAllEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := readDecimals(v, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("LAUNCHPAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allow_deposits", false)

	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "launchpad")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connection_name", "launchpad-engine")

	v.SetDefault("curve.total_supply", "300000000")
	v.SetDefault("curve.initial_price", "0.00001")
	v.SetDefault("curve.final_price", "0.0001")
	v.SetDefault("curve.target_fraction", "0.85")
	v.SetDefault("curve.creation_fee", "0.5")

	v.SetDefault("trading.fee_rate", "0.01")
	v.SetDefault("trading.default_slippage_pct", "1")
	v.SetDefault("trading.listing_profit", "0")
	v.SetDefault("trading.quote_validity", "60s")
	v.SetDefault("trading.max_retries", 3)
	v.SetDefault("trading.retry_initial_interval", "10ms")
	v.SetDefault("trading.retry_max_interval", "200ms")

	v.SetDefault("payment.recipient", "")
	v.SetDefault("payment.amount_tolerance", "0.000001")
	v.SetDefault("payment.ttl", "30m")
	v.SetDefault("payment.recency_window", "10m")
	v.SetDefault("payment.clock_skew", "30s")
	v.SetDefault("payment.poll_interval", "15s")
	v.SetDefault("payment.cycle_timeout", "30s")
	v.SetDefault("payment.backoff_cap", "5m")
	v.SetDefault("payment.workers", 4)
	v.SetDefault("payment.action_timeout", "30s")

	v.SetDefault("source.base_url", "")
	v.SetDefault("source.api_key", "")
	v.SetDefault("source.rate_limit", 2)
	v.SetDefault("source.timeout", "10s")
}

// bindAllEnvVars binds every known key so env vars apply without a config file.
func bindAllEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}
}

// readDecimals parses the money knobs, which are kept as strings so no value
// passes through float64.
func readDecimals(v *viper.Viper, cfg *Config) error {
	fields := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"curve.total_supply", &cfg.Curve.TotalSupply},
		{"curve.initial_price", &cfg.Curve.InitialPrice},
		{"curve.final_price", &cfg.Curve.FinalPrice},
		{"curve.target_fraction", &cfg.Curve.TargetFraction},
		{"curve.creation_fee", &cfg.Curve.CreationFee},
		{"trading.fee_rate", &cfg.Trading.FeeRate},
		{"trading.default_slippage_pct", &cfg.Trading.DefaultSlippagePct},
		{"trading.listing_profit", &cfg.Trading.ListingProfit},
		{"payment.amount_tolerance", &cfg.Payment.AmountTolerance},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(f.key)))
		if err != nil {
			return fmt.Errorf("config %s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the knobs that have no safe interpretation when out of range.
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case c.Trading.FeeRate.IsNegative() || c.Trading.FeeRate.GreaterThanOrEqual(one):
		return fmt.Errorf("config trading.fee_rate must be in [0, 1), got %s", c.Trading.FeeRate)
	case c.Trading.DefaultSlippagePct.IsNegative() || c.Trading.DefaultSlippagePct.GreaterThan(decimal.NewFromInt(100)):
		return fmt.Errorf("config trading.default_slippage_pct must be in [0, 100], got %s", c.Trading.DefaultSlippagePct)
	case c.Trading.MaxRetries < 0:
		return fmt.Errorf("config trading.max_retries must not be negative")
	case c.Trading.QuoteValidity <= 0:
		return fmt.Errorf("config trading.quote_validity must be positive")
	case !c.Curve.TargetFraction.IsPositive() || c.Curve.TargetFraction.GreaterThan(one):
		return fmt.Errorf("config curve.target_fraction must be in (0, 1], got %s", c.Curve.TargetFraction)
	case c.Payment.Workers < 1:
		return fmt.Errorf("config payment.workers must be at least 1")
	case c.Payment.PollInterval <= 0:
		return fmt.Errorf("config payment.poll_interval must be positive")
	}
	return nil
}

// loadEnv loads .env then .env.local from envPath (default config/), later
// files overriding earlier ones.
func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "config/"
	}
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}

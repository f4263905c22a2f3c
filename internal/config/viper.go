// Package config provides Viper-based hierarchical configuration management
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/text/currency"
)

// Supported store drivers
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

// LogConfig controls the logrus adapter
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// PostgresConfig holds the connection settings of the PostgreSQL store
type PostgresConfig struct {
	URL            string `mapstructure:"url" yaml:"-"` // May carry a password
	MaxConns       int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Driver   string         `mapstructure:"driver" yaml:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// CurrencyConfig holds the user's base currency preference
type CurrencyConfig struct {
	Base    string `mapstructure:"base" yaml:"base"`
	Default string `mapstructure:"default" yaml:"default"` // assumed when a message names none
}

// RatesConfig controls the exchange-rate cache and its providers
type RatesConfig struct {
	ProviderURL   string        `mapstructure:"provider_url" yaml:"provider_url"`
	FallbackURLs  []string      `mapstructure:"fallback_urls" yaml:"fallback_urls"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	RetryAttempts uint          `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	RefreshCron   string        `mapstructure:"refresh_cron" yaml:"refresh_cron"`
	// FailureBackoff is how long a pair keeps serving its stale rate after
	// a failed refresh before the provider is asked again.
	FailureBackoff time.Duration `mapstructure:"failure_backoff" yaml:"failure_backoff"`
}

// PipelineConfig controls batch ingestion parallelism
type PipelineConfig struct {
	Workers             int `mapstructure:"workers" yaml:"workers"` // 0 means runtime.NumCPU()
	SequentialThreshold int `mapstructure:"sequential_threshold" yaml:"sequential_threshold"`
}

// CategorizationConfig controls merchant learning
type CategorizationConfig struct {
	AutoLearn        bool  `mapstructure:"auto_learn" yaml:"auto_learn"`
	MappingCacheSize int64 `mapstructure:"mapping_cache_size" yaml:"mapping_cache_size"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Address      string        `mapstructure:"address" yaml:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// Config represents the complete application configuration
type Config struct {
	Log            LogConfig            `mapstructure:"log" yaml:"log"`
	Store          StoreConfig          `mapstructure:"store" yaml:"store"`
	Currency       CurrencyConfig       `mapstructure:"currency" yaml:"currency"`
	Rates          RatesConfig          `mapstructure:"rates" yaml:"rates"`
	Pipeline       PipelineConfig       `mapstructure:"pipeline" yaml:"pipeline"`
	Categorization CategorizationConfig `mapstructure:"categorization" yaml:"categorization"`
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
}

// InitializeConfig initializes Viper configuration with hierarchical loading
func InitializeConfig() (*Config, error) {
	return InitializeConfigFromFile("")
}

// InitializeConfigFromFile is InitializeConfig with an explicit config file.
// An empty path searches the default locations.
func InitializeConfigFromFile(path string) (*Config, error) {
	v := viper.New()

	// 1. Set defaults
	setDefaults(v)

	// 2. Config file locations
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.sms-ledger")
		v.AddConfigPath(".sms-ledger")
		v.AddConfigPath(".")
	}

	// 3. Environment variables
	v.SetEnvPrefix("SMSLEDGER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 4. Read config file (optional unless given explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			if path != "" {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			fmt.Printf("Warning: error reading config file %s: %v\n", v.ConfigFileUsed(), err)
		}
	}

	// 5. The database URL is commonly provided unprefixed
	if err := v.BindEnv("store.postgres.url", "SMSLEDGER_STORE_POSTGRES_URL", "DATABASE_URL"); err != nil {
		fmt.Printf("Warning: failed to bind DATABASE_URL environment variable: %v\n", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Currency.Base = strings.ToUpper(config.Currency.Base)
	config.Currency.Default = strings.ToUpper(config.Currency.Default)

	// 6. Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.driver", StoreDriverMemory)
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.migrate_on_start", true)

	v.SetDefault("currency.base", "INR")
	v.SetDefault("currency.default", "INR")

	v.SetDefault("rates.provider_url", "")
	v.SetDefault("rates.fallback_urls", []string{})
	v.SetDefault("rates.ttl", "6h")
	v.SetDefault("rates.fetch_timeout", "5s")
	v.SetDefault("rates.retry_attempts", 3)
	v.SetDefault("rates.retry_backoff", "200ms")
	v.SetDefault("rates.refresh_cron", "@every 1h")
	v.SetDefault("rates.failure_backoff", "30s")

	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("pipeline.sequential_threshold", 8)

	v.SetDefault("categorization.auto_learn", false)
	v.SetDefault("categorization.mapping_cache_size", 10000)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
}

// validateConfig validates the configuration values
func validateConfig(config *Config) error {
	if _, err := logrus.ParseLevel(config.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", config.Log.Level)
	}

	if config.Log.Format != "text" && config.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", config.Log.Format)
	}

	switch config.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if config.Store.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url (or DATABASE_URL) required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("invalid store driver: %s (must be '%s' or '%s')", config.Store.Driver, StoreDriverMemory, StoreDriverPostgres)
	}

	if _, err := currency.ParseISO(config.Currency.Base); err != nil {
		return fmt.Errorf("invalid base currency: %s", config.Currency.Base)
	}
	if _, err := currency.ParseISO(config.Currency.Default); err != nil {
		return fmt.Errorf("invalid default currency: %s", config.Currency.Default)
	}

	if config.Rates.TTL <= 0 {
		return fmt.Errorf("rates.ttl must be positive, got: %s", config.Rates.TTL)
	}
	if config.Rates.FetchTimeout <= 0 || config.Rates.FetchTimeout > time.Minute {
		return fmt.Errorf("rates.fetch_timeout must be between 0 and 1m, got: %s", config.Rates.FetchTimeout)
	}
	if config.Rates.RetryAttempts < 1 || config.Rates.RetryAttempts > 10 {
		return fmt.Errorf("rates.retry_attempts must be between 1 and 10, got: %d", config.Rates.RetryAttempts)
	}
	if config.Rates.FailureBackoff < 0 {
		return fmt.Errorf("rates.failure_backoff must not be negative, got: %s", config.Rates.FailureBackoff)
	}
	if config.Rates.RefreshCron != "" {
		if _, err := cron.ParseStandard(config.Rates.RefreshCron); err != nil {
			return fmt.Errorf("invalid rates.refresh_cron %q: %w", config.Rates.RefreshCron, err)
		}
	}

	if config.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative, got: %d", config.Pipeline.Workers)
	}
	if config.Pipeline.SequentialThreshold < 0 {
		return fmt.Errorf("pipeline.sequential_threshold must not be negative, got: %d", config.Pipeline.SequentialThreshold)
	}

	if config.Categorization.MappingCacheSize < 1 {
		return fmt.Errorf("categorization.mapping_cache_size must be positive, got: %d", config.Categorization.MappingCacheSize)
	}

	return nil
}

// ConfigureLoggingFromConfig configures logging based on the Config struct
func ConfigureLoggingFromConfig(config *Config) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(strings.ToLower(config.Log.Level))
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", config.Log.Level)
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.ToLower(config.Log.Format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

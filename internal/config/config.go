package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Roast      RoastConfig      `yaml:"roast" mapstructure:"roast"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Refresh    RefreshConfig    `yaml:"refresh" mapstructure:"refresh"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CatalogConfig configures the upstream movie catalog adapter.
type CatalogConfig struct {
	Key         string      `yaml:"key" mapstructure:"key"`
	BaseURL     string      `yaml:"base_url" mapstructure:"base_url"`
	Region      string      `yaml:"region" mapstructure:"region"`
	Categories  []string    `yaml:"categories" mapstructure:"categories"`
	MaxPages    int         `yaml:"max_pages" mapstructure:"max_pages"`
	WindowDays  int         `yaml:"window_days" mapstructure:"window_days"`
	TimeoutSecs int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retry       RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig holds retry tuning for upstream calls. Zero values fall
// back to the resilience package defaults.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// PerplexityConfig holds evidence provider settings.
type PerplexityConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	Model          string  `yaml:"model" mapstructure:"model"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// AnthropicConfig holds Anthropic API settings. Extraction runs on the
// cheap model, roast generation on the stronger one.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	ExtractModel   string  `yaml:"extract_model" mapstructure:"extract_model"`
	GenerateModel  string  `yaml:"generate_model" mapstructure:"generate_model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// RoastConfig configures roast generation.
type RoastConfig struct {
	Language string `yaml:"language" mapstructure:"language"`
}

// QueueConfig configures the work queue fan-out.
type QueueConfig struct {
	Topic       string `yaml:"topic" mapstructure:"topic"`
	DLQTopic    string `yaml:"dlq_topic" mapstructure:"dlq_topic"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxWorkers  int    `yaml:"max_workers" mapstructure:"max_workers"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BufferSize  int    `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// RefreshConfig configures the recurring catalog refresh job.
type RefreshConfig struct {
	JobName  string `yaml:"job_name" mapstructure:"job_name"`
	CronSpec string `yaml:"cron_spec" mapstructure:"cron_spec"`
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// PerplexityPricing holds evidence provider pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// ServerConfig configures the read API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCREENROAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("catalog.base_url", "https://api.themoviedb.org/3")
	v.SetDefault("catalog.region", "US")
	v.SetDefault("catalog.categories", []string{"now_playing", "popular", "top_rated"})
	v.SetDefault("catalog.max_pages", 3)
	v.SetDefault("catalog.window_days", 60)
	v.SetDefault("catalog.timeout_secs", 30)
	v.SetDefault("catalog.retry.jitter_fraction", 0.25)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.requests_per_sec", 1.0)
	v.SetDefault("anthropic.extract_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.generate_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.requests_per_sec", 2.0)
	v.SetDefault("roast.language", "en")
	v.SetDefault("queue.topic", "roast.items")
	v.SetDefault("queue.dlq_topic", "roast.items.dlq")
	v.SetDefault("queue.batch_size", 25)
	v.SetDefault("queue.max_workers", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.buffer_size", 256)
	v.SetDefault("refresh.job_name", "catalog-refresh")
	v.SetDefault("refresh.cron_spec", "0 5 * * *")
	v.SetDefault("refresh.enabled", true)
	v.SetDefault("pricing.perplexity.per_query", 0.005)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is sufficient for the given mode.
func (c *Config) Validate(mode string) error {
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if mode == "enrichment" {
		if c.Catalog.Key == "" {
			return eris.New("config: catalog.key is required")
		}
		if c.Perplexity.Key == "" {
			return eris.New("config: perplexity.key is required")
		}
		if c.Anthropic.Key == "" {
			return eris.New("config: anthropic.key is required")
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

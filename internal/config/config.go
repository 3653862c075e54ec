// Package config loads explain-cli settings from config.yaml, .env and
// EXPLAIN_* environment variables.
package config

import (
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/explain-cli/internal/batch"
	"github.com/sells-group/explain-cli/internal/cost"
	"github.com/sells-group/explain-cli/internal/store"
)

// Config is the root configuration.
type Config struct {
	Backend BackendConfig        `yaml:"backend" mapstructure:"backend"`
	Breaker BreakerConfig        `yaml:"breaker" mapstructure:"breaker"`
	Store   StoreConfig          `yaml:"store" mapstructure:"store"`
	History HistoryConfig        `yaml:"history" mapstructure:"history"`
	Request batch.RequestOptions `yaml:"request" mapstructure:"request"`
	Pricing cost.Rates           `yaml:"pricing" mapstructure:"pricing"`
	Extract ExtractConfig        `yaml:"extract" mapstructure:"extract"`
	Server  ServerConfig         `yaml:"server" mapstructure:"server"`
	Log     LogConfig            `yaml:"log" mapstructure:"log"`
}

// BackendConfig points at the analysis service.
type BackendConfig struct {
	URL               string  `yaml:"url" mapstructure:"url"`
	Token             string  `yaml:"token" mapstructure:"token"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	HeaderTimeoutSecs int     `yaml:"header_timeout_secs" mapstructure:"header_timeout_secs"`
	RateLimit         float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst         int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	ConnectRetries    int     `yaml:"connect_retries" mapstructure:"connect_retries"`
	RetryBackoffMs    int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// Timeout is the hard bound on one streamed analysis. Zero means none.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSecs) * time.Second
}

// HeaderTimeout bounds the wait for response headers.
func (b BackendConfig) HeaderTimeout() time.Duration {
	return time.Duration(b.HeaderTimeoutSecs) * time.Second
}

// BreakerConfig tunes the circuit breaker in front of the backend.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// StoreConfig selects the local store.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// History sinks.
const (
	SinkBackend = "backend"
	SinkStore   = "store"
	SinkNone    = "none"
)

// HistoryConfig chooses where completed runs are recorded.
type HistoryConfig struct {
	Sink               string `yaml:"sink" mapstructure:"sink"`
	PersistTimeoutSecs int    `yaml:"persist_timeout_secs" mapstructure:"persist_timeout_secs"`
}

// PersistTimeout bounds one history write.
func (h HistoryConfig) PersistTimeout() time.Duration {
	return time.Duration(h.PersistTimeoutSecs) * time.Second
}

// ExtractConfig bounds input loading.
type ExtractConfig struct {
	MaxFileMB   int `yaml:"max_file_mb" mapstructure:"max_file_mb"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownSecs    int      `yaml:"shutdown_secs" mapstructure:"shutdown_secs"`
	JobRetentionMin int      `yaml:"job_retention_min" mapstructure:"job_retention_min"`
}

// LogConfig configures the global zap logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration. A .env file in the working directory is loaded
// first; variables already in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("EXPLAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend.url", "http://localhost:8000")
	v.SetDefault("backend.timeout_secs", 300)
	v.SetDefault("backend.header_timeout_secs", 60)
	v.SetDefault("backend.rate_limit", 2.0)
	v.SetDefault("backend.rate_burst", 2)
	v.SetDefault("backend.connect_retries", 0)
	v.SetDefault("backend.retry_backoff_ms", 500)
	v.SetDefault("backend.token", "")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_secs", 30)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "explain.db")
	v.SetDefault("history.sink", SinkBackend)
	v.SetDefault("history.persist_timeout_secs", 30)
	v.SetDefault("request.literacy_level", "grade_6")
	v.SetDefault("extract.max_file_mb", 25)
	v.SetDefault("extract.concurrency", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_secs", 15)
	v.SetDefault("server.job_retention_min", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Pricing.Models) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
}

// Validate checks the settings needed by mode: "analyze", "batch", "serve"
// or "store". Every problem is reported at once.
func (c *Config) Validate(mode string) error {
	var problems []string
	require := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	validBackend := func() {
		require(c.Backend.URL != "", "backend.url is required")
		if c.Backend.URL != "" {
			u, err := url.Parse(c.Backend.URL)
			require(err == nil && u.Scheme != "" && u.Host != "", "backend.url must be an absolute URL")
		}
		require(c.Backend.Token != "", "backend.token is required")
		require(c.Backend.TimeoutSecs >= 0, "backend.timeout_secs must not be negative")
		switch c.History.Sink {
		case SinkBackend, SinkStore, SinkNone:
		default:
			problems = append(problems, "history.sink must be one of backend, store, none")
		}
	}
	validStore := func() {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
		require(c.Store.DatabaseURL != "", "store.database_url is required")
	}

	switch mode {
	case "analyze", "batch":
		validBackend()
		if c.History.Sink == SinkStore || mode == "batch" {
			validStore()
		}
	case "serve":
		validBackend()
		validStore()
		require(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be between 1 and 65535")
	case "store":
		validStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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

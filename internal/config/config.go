// Package config loads and validates datasync configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Drain     DrainConfig     `mapstructure:"drain"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// UpstreamConfig locates and authenticates against the event API.
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	PageSize       int    `mapstructure:"page_size"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// DrainConfig governs pipeline depth and retry/throttle pacing.
type DrainConfig struct {
	Workers               int `mapstructure:"workers"`
	RetryDelayMs          int `mapstructure:"retry_delay_ms"`
	MinRequestIntervalMs  int `mapstructure:"min_request_interval_ms"`
	PenaltyMarginMs       int `mapstructure:"penalty_margin_ms"`
	PenaltyDefaultSeconds int `mapstructure:"penalty_default_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// ArchiveConfig selects where raw response pages are archived.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig holds metadata for batch-commit notifications.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// TelemetryConfig toggles OpenTelemetry tracing and the metrics bridge.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ProjectID turns on span export to Google Cloud Trace when set.
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment. An explicit path is
// required to exist; without one the usual locations are searched and a
// missing file just means defaults plus environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DATASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("datasync")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/datasync/")
		v.AddConfigPath("$HOME/.datasync")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	// Empty defaults register the key so environment-only values survive
	// Unmarshal; viper skips env keys it has never seen otherwise.
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.page_size", 500)
	v.SetDefault("upstream.timeout_seconds", 15)
	v.SetDefault("upstream.user_agent", "datasync/0.1")
	v.SetDefault("drain.workers", 1)
	v.SetDefault("drain.retry_delay_ms", 5000)
	v.SetDefault("drain.min_request_interval_ms", 700)
	v.SetDefault("drain.penalty_margin_ms", 1000)
	v.SetDefault("drain.penalty_default_seconds", 60)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("notify.provider", "noop")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic_id", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.PageSize <= 0 {
		return fmt.Errorf("upstream.page_size must be > 0")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	if c.Drain.Workers <= 0 {
		return fmt.Errorf("drain.workers must be > 0")
	}
	if c.Drain.RetryDelayMs <= 0 {
		return fmt.Errorf("drain.retry_delay_ms must be > 0")
	}
	if c.Drain.MinRequestIntervalMs < 0 {
		return fmt.Errorf("drain.min_request_interval_ms must be >= 0")
	}
	if c.Drain.PenaltyDefaultSeconds <= 0 {
		return fmt.Errorf("drain.penalty_default_seconds must be > 0")
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("db.driver must be postgres or memory, got %q", c.DB.Driver)
	}
	switch c.Archive.Provider {
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required when archive.provider is gcs")
		}
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required when archive.provider is local")
		}
	case "noop", "memory":
	default:
		return fmt.Errorf("archive.provider must be noop, memory, gcs, or local, got %q", c.Archive.Provider)
	}
	switch c.Notify.Provider {
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.TopicID == "" {
			return fmt.Errorf("notify.project_id and notify.topic_id are required when notify.provider is pubsub")
		}
	case "noop", "memory":
	default:
		return fmt.Errorf("notify.provider must be noop, memory, or pubsub, got %q", c.Notify.Provider)
	}
	return nil
}

// HTTPTimeout converts the upstream timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// RetryDelay is the fixed pause before retrying a transient upstream failure.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Drain.RetryDelayMs) * time.Millisecond
}

// MinRequestInterval is the steady-state spacing between upstream requests.
func (c Config) MinRequestInterval() time.Duration {
	return time.Duration(c.Drain.MinRequestIntervalMs) * time.Millisecond
}

// PenaltyMargin is the safety margin added to server-supplied retry delays.
func (c Config) PenaltyMargin() time.Duration {
	return time.Duration(c.Drain.PenaltyMarginMs) * time.Millisecond
}

// PenaltyDefault is the penalty applied when a throttle response names no delay.
func (c Config) PenaltyDefault() time.Duration {
	return time.Duration(c.Drain.PenaltyDefaultSeconds) * time.Second
}

// Package config loads and validates inbox-router configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	History   HistoryConfig   `mapstructure:"history"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// AllowedOrigins lists origins accepted on the notification websocket.
	// Empty means same-origin only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// StartRatePerSec throttles POST /v1/jobs per client; zero disables.
	StartRatePerSec float64 `mapstructure:"start_rate_per_sec"`
	StartBurst      int     `mapstructure:"start_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StreamConfig points the tracker at the fetch-and-process producer.
type StreamConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Path              string `mapstructure:"path"`
	IdleTimeoutMs     int    `mapstructure:"idle_timeout_ms"`
	MaxResultsLimit   int    `mapstructure:"max_results_limit"`
	DefaultMaxResults int    `mapstructure:"default_max_results"`
}

// IdleTimeout converts IdleTimeoutMs; zero disables the watchdog.
func (s StreamConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// ProgressConfig tunes the telemetry hub.
type ProgressConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	LogEnabled    bool        `mapstructure:"log_enabled"`
	BufferSize    int         `mapstructure:"buffer_size"`
	SinkTimeoutMs int         `mapstructure:"sink_timeout_ms"`
	Batch         BatchConfig `mapstructure:"batch"`
}

// BatchConfig bounds hub batches.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// HistoryConfig sizes the in-memory run history used when no DSN is set.
type HistoryConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN               string `mapstructure:"dsn"`
	Table             string `mapstructure:"table"`
	MaxConns          int32  `mapstructure:"max_conns"`
	MinConns          int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMs int    `mapstructure:"max_conn_lifetime_ms"`
	AutoMigrate       bool   `mapstructure:"auto_migrate"`
}

// PubSubConfig holds metadata for forwarding notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether a Pub/Sub topic is configured.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// TelemetryConfig controls tracing resource attributes.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.start_rate_per_sec", 1.0)
	v.SetDefault("server.start_burst", 5)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("stream.base_url", "http://localhost:8000")
	v.SetDefault("stream.path", "/api/emails/fetch-and-process-stream")
	v.SetDefault("stream.idle_timeout_ms", 0)
	v.SetDefault("stream.max_results_limit", 50)
	v.SetDefault("stream.default_max_results", 10)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("history.capacity", 500)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "session_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_ms", 0)
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("telemetry.service_name", "inbox-router")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.StartRatePerSec < 0 || c.Server.StartBurst < 0 {
		return fmt.Errorf("server.start_rate_per_sec and server.start_burst must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	u, err := url.Parse(c.Stream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("stream.base_url must be an absolute http(s) URL")
	}
	if !strings.HasPrefix(c.Stream.Path, "/") {
		return fmt.Errorf("stream.path must start with /")
	}
	if c.Stream.IdleTimeoutMs < 0 {
		return fmt.Errorf("stream.idle_timeout_ms must be >= 0")
	}
	if c.Stream.MaxResultsLimit < 1 || c.Stream.MaxResultsLimit > 50 {
		return fmt.Errorf("stream.max_results_limit must be between 1 and 50")
	}
	if c.Stream.DefaultMaxResults < 1 || c.Stream.DefaultMaxResults > c.Stream.MaxResultsLimit {
		return fmt.Errorf("stream.default_max_results must be between 1 and stream.max_results_limit")
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0 when progress is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name must be set")
	}
	return nil
}

// Package config loads server configuration from the environment, with an
// optional .env file for development. Priority: ENV vars > .env > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
type Config struct {
	// Listeners
	Addr     string `env:"TW_ADDR" envDefault:":7465"`      // framed TCP stream
	HTTPAddr string `env:"TW_HTTP_ADDR" envDefault:":7466"` // /ws gateway, /metrics, /healthz

	// Capacity
	MaxConnections int `env:"TW_MAX_CONNECTIONS" envDefault:"10000"`
	QueueCapacity  int `env:"TW_QUEUE_CAPACITY" envDefault:"1000"` // per-connection outbound queue
	MaxFrameSize   int `env:"TW_MAX_FRAME_SIZE" envDefault:"1048576"`

	// Liveness
	HeartbeatInterval time.Duration `env:"TW_HEARTBEAT_INTERVAL" envDefault:"5s"`
	HeartbeatTimeout  time.Duration `env:"TW_HEARTBEAT_TIMEOUT" envDefault:"60s"`

	// Inbound rate limiting (per connection)
	MessageRate  int `env:"TW_MESSAGE_RATE" envDefault:"10"`
	MessageBurst int `env:"TW_MESSAGE_BURST" envDefault:"100"`

	// Collaborators
	NATSURL            string `env:"TW_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	FeedSubjectPrefix  string `env:"TW_FEED_SUBJECT_PREFIX" envDefault:"md"`
	OrdersSubject      string `env:"TW_ORDERS_SUBJECT" envDefault:"orders.submit"`
	ExecResultsSubject string `env:"TW_EXEC_RESULTS_SUBJECT" envDefault:"orders.results"`
	DisableFeed        bool   `env:"TW_DISABLE_FEED" envDefault:"false"` // run without NATS (tests, bench)

	// Auth
	JWTSecret string `env:"TW_JWT_SECRET" envDefault:""`

	// Monitoring
	MetricsInterval time.Duration `env:"TW_METRICS_INTERVAL" envDefault:"15s"`

	// Shutdown
	DrainGracePeriod time.Duration `env:"TW_DRAIN_GRACE_PERIOD" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production uses env vars directly.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("TW_ADDR is required")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("TW_HTTP_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("TW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("TW_QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.MaxFrameSize < 64 {
		return fmt.Errorf("TW_MAX_FRAME_SIZE must be >= 64, got %d", c.MaxFrameSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("TW_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("TW_HEARTBEAT_TIMEOUT (%s) must be > TW_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MessageRate < 1 {
		return fmt.Errorf("TW_MESSAGE_RATE must be > 0, got %d", c.MessageRate)
	}
	if !c.DisableFeed && c.NATSURL == "" {
		return fmt.Errorf("TW_NATS_URL is required unless TW_DISABLE_FEED is set")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("http_addr", c.HTTPAddr).
		Int("max_connections", c.MaxConnections).
		Int("queue_capacity", c.QueueCapacity).
		Int("max_frame_size", c.MaxFrameSize).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Int("message_rate", c.MessageRate).
		Int("message_burst", c.MessageBurst).
		Str("nats_url", c.NATSURL).
		Bool("feed_disabled", c.DisableFeed).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

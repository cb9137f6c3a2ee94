// Package config loads and validates the relay's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the pulse relay.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Calls         CallsConfig         `yaml:"calls"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Store         StoreConfig         `yaml:"store"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Janitor       JanitorConfig       `yaml:"janitor"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

// ServerConfig controls the websocket listener and per-connection limits.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	SendBuffer       int           `yaml:"send_buffer"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
	RateLimit        RateLimit     `yaml:"rate_limit"`
	HandshakeLimit   RateLimit     `yaml:"handshake_limit"`
}

// RateLimit parameterizes a token bucket. Server.RateLimit bounds
// inbound frames per connection; Server.HandshakeLimit bounds upgrade
// attempts per remote host.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// AuthConfig controls handshake token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	ClockSkew time.Duration `yaml:"clock_skew"`
	// Insecure accepts any non-empty token whose subject matches the
	// claimed identity. Local development only.
	Insecure bool `yaml:"insecure"`
}

// CallsConfig controls the signaling state machine.
type CallsConfig struct {
	RingTimeout time.Duration `yaml:"ring_timeout"`
}

// DeliveryConfig controls correlated-ack waits and offline retries.
type DeliveryConfig struct {
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	RetryCap     int           `yaml:"retry_cap"`
	ReorderDepth int           `yaml:"reorder_depth"`
}

// StoreConfig selects the durable store backing the offline queue and
// notification preferences.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite
	Path   string `yaml:"path"`   // sqlite file path
}

// NotificationsConfig controls the dispatcher.
type NotificationsConfig struct {
	// PreferencesFile, when set, is watched and hot-reloaded into the
	// preference store.
	PreferencesFile string        `yaml:"preferences_file"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
}

// JanitorConfig schedules the background sweeps.
type JanitorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	StaleSchedule string        `yaml:"stale_schedule"` // cron spec
	OrphanAudit   string        `yaml:"orphan_audit"`   // cron spec
	IdleCeiling   time.Duration `yaml:"idle_ceiling"`
}

// LoggingConfig mirrors the observability logger options.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures the OTLP exporter. An empty endpoint disables
// tracing.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8443
	}
	if cfg.Server.HandshakeTimeout == 0 {
		cfg.Server.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Server.PingInterval == 0 {
		cfg.Server.PingInterval = 30 * time.Second
	}
	if cfg.Server.PongTimeout == 0 {
		cfg.Server.PongTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.SendBuffer == 0 {
		cfg.Server.SendBuffer = 256
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 512 * 1024
	}
	if cfg.Server.RateLimit.PerSecond == 0 {
		cfg.Server.RateLimit.PerSecond = 50
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 100
	}
	if cfg.Server.HandshakeLimit.PerSecond == 0 {
		cfg.Server.HandshakeLimit.PerSecond = 1
	}
	if cfg.Server.HandshakeLimit.Burst == 0 {
		cfg.Server.HandshakeLimit.Burst = 5
	}
	if cfg.Auth.ClockSkew == 0 {
		cfg.Auth.ClockSkew = time.Minute
	}
	if cfg.Calls.RingTimeout == 0 {
		cfg.Calls.RingTimeout = 30 * time.Second
	}
	if cfg.Delivery.AckTimeout == 0 {
		cfg.Delivery.AckTimeout = 10 * time.Second
	}
	if cfg.Delivery.RetryCap == 0 {
		cfg.Delivery.RetryCap = 5
	}
	if cfg.Delivery.ReorderDepth == 0 {
		cfg.Delivery.ReorderDepth = 64
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Notifications.DedupTTL == 0 {
		cfg.Notifications.DedupTTL = 10 * time.Minute
	}
	if cfg.Janitor.StaleSchedule == "" {
		cfg.Janitor.StaleSchedule = "@every 1m"
	}
	if cfg.Janitor.OrphanAudit == "" {
		cfg.Janitor.OrphanAudit = "@every 5m"
	}
	if cfg.Janitor.IdleCeiling == 0 {
		cfg.Janitor.IdleCeiling = 2 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "pulse"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1.0
	}
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !c.Auth.Insecure && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required unless auth.insecure is set")
	}
	if c.Server.PongTimeout >= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must be shorter than server.ping_interval")
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Delivery.RetryCap < 1 {
		return fmt.Errorf("delivery.retry_cap must be at least 1")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0, 1]")
	}
	return nil
}

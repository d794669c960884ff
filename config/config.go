package config

import (
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Room       RoomConfig       `yaml:"room"`
	Lease      LeaseConfig      `yaml:"lease"`
	Stream     StreamConfig     `yaml:"stream"`
	Client     ClientConfig     `yaml:"client"`
	Ack        AckConfig        `yaml:"ack"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	HealthPort      int     `yaml:"health_port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// RoomConfig names the single room whose seats are tracked.
type RoomConfig struct {
	ID string `yaml:"id"`
}

// LeaseConfig controls seat leases and the expiry sweep.
type LeaseConfig struct {
	DefaultHours         float64       `yaml:"default_hours"`
	SweepIntervalSeconds int           `yaml:"sweep_interval_seconds"`
	SweepInterval        time.Duration `yaml:"-"`
}

// StreamConfig controls the server side of the push channel.
type StreamConfig struct {
	HeartbeatSeconds   int           `yaml:"heartbeat_seconds"`
	Heartbeat          time.Duration `yaml:"-"`
	BufferSize         int           `yaml:"buffer_size"`
	RetryBaseMillis    int           `yaml:"retry_base_millis"`
	RetryMaxMillis     int           `yaml:"retry_max_millis"`
	RetryMaxAttempts   int           `yaml:"retry_max_attempts"`
	RetryJitterPercent int           `yaml:"retry_jitter_percent"`
}

// ClientConfig controls the reconnecting watch client.
type ClientConfig struct {
	URL             string `yaml:"url"`
	BaseDelayMillis int    `yaml:"base_delay_millis"`
	MaxDelayMillis  int    `yaml:"max_delay_millis"`
	MaxRetries      int    `yaml:"max_retries"`
}

// AckConfig points at the chat collaborator's acknowledgment webhook.
type AckConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Room.ID == "" {
		cfg.Room.ID = "focus-room"
	}

	if cfg.Lease.DefaultHours <= 0 {
		cfg.Lease.DefaultHours = 2
	}
	if cfg.Lease.SweepIntervalSeconds <= 0 {
		cfg.Lease.SweepIntervalSeconds = 60
	}
	cfg.Lease.SweepInterval = time.Duration(cfg.Lease.SweepIntervalSeconds) * time.Second

	if cfg.Stream.HeartbeatSeconds <= 0 {
		cfg.Stream.HeartbeatSeconds = 15
	}
	cfg.Stream.Heartbeat = time.Duration(cfg.Stream.HeartbeatSeconds) * time.Second
	if cfg.Stream.BufferSize <= 0 {
		cfg.Stream.BufferSize = 64
	}
	if cfg.Stream.RetryBaseMillis <= 0 {
		cfg.Stream.RetryBaseMillis = 1000
	}
	if cfg.Stream.RetryMaxMillis <= 0 {
		cfg.Stream.RetryMaxMillis = 30000
	}
	if cfg.Stream.RetryMaxAttempts <= 0 {
		cfg.Stream.RetryMaxAttempts = 10
	}
	if cfg.Stream.RetryJitterPercent <= 0 {
		cfg.Stream.RetryJitterPercent = 20
	}

	if cfg.Client.BaseDelayMillis <= 0 {
		cfg.Client.BaseDelayMillis = 1000
	}
	if cfg.Client.MaxDelayMillis <= 0 {
		cfg.Client.MaxDelayMillis = 30000
	}
	if cfg.Client.MaxRetries <= 0 {
		cfg.Client.MaxRetries = 10
	}

	if cfg.Ack.TimeoutSeconds <= 0 {
		cfg.Ack.TimeoutSeconds = 5
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		zap.S().Infof("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Millis converts a millisecond config value into a time.Duration.
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

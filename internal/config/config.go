// Package config loads the settlement server's runtime settings from an
// optional YAML file, then applies environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Lock backends.
const (
	LockMemory   = "memory"
	LockRedis    = "redis"
	LockPostgres = "postgres"
)

// Config captures the runtime settings for the settlement server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Lock     LockConfig     `yaml:"lock"`
	Cycle    CycleConfig    `yaml:"cycle"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects PostgreSQL. An empty URL means the in-memory store.
type DatabaseConfig struct {
	URL         string `yaml:"url"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// RedisConfig enables the account cache and the redis lock backend.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// NATSConfig enables event publishing to JetStream.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	StreamMaxAge   time.Duration `yaml:"stream_max_age"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type LockConfig struct {
	Backend     string        `yaml:"backend"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	TTL         time.Duration `yaml:"ttl"`
	// PoolSize caps the connections of the postgres backend's own pool,
	// and with it the number of accounts settling at once.
	PoolSize int `yaml:"pool_size"`
}

// CycleConfig tunes the cycle state machine.
type CycleConfig struct {
	// ReductionThresholdPercent is how far |pnl| must fall below the
	// cycle's expected exposure to reset it. 0 means any reduction.
	ReductionThresholdPercent int `yaml:"reduction_threshold_percent"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			CacheTTL:  30 * time.Second,
			KeyPrefix: "settlement:",
		},
		NATS: NATSConfig{
			StreamMaxAge:   72 * time.Hour,
			PublishTimeout: 2 * time.Second,
		},
		Lock: LockConfig{
			Backend:     LockMemory,
			WaitTimeout: 5 * time.Second,
			TTL:         30 * time.Second,
			PoolSize:    16,
		},
	}
}

// Load reads the YAML file at path (if any) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets the usual deployment variables win over the file.
func (cfg *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Port, "PORT")
	set(&cfg.Database.URL, "DATABASE_URL")
	set(&cfg.Redis.URL, "REDIS_URL")
	set(&cfg.NATS.URL, "NATS_URL")
	set(&cfg.Lock.Backend, "LOCK_BACKEND")
}

func (cfg *Config) normalize() {
	cfg.Server.Port = strings.TrimPrefix(strings.TrimSpace(cfg.Server.Port), ":")
	cfg.Database.URL = strings.TrimSpace(cfg.Database.URL)
	cfg.Redis.URL = strings.TrimSpace(cfg.Redis.URL)
	cfg.NATS.URL = strings.TrimSpace(cfg.NATS.URL)
	cfg.Lock.Backend = strings.ToLower(strings.TrimSpace(cfg.Lock.Backend))
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = LockMemory
	}
}

// Validate reports the first inconsistent setting.
func (cfg Config) Validate() error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server: port is required")
	}
	switch cfg.Lock.Backend {
	case LockMemory:
	case LockRedis:
		if cfg.Redis.URL == "" {
			return fmt.Errorf("lock: backend %q requires redis.url", cfg.Lock.Backend)
		}
		if cfg.Lock.TTL <= 0 {
			return fmt.Errorf("lock: ttl must be positive for the redis backend")
		}
	case LockPostgres:
		if cfg.Database.URL == "" {
			return fmt.Errorf("lock: backend %q requires database.url", cfg.Lock.Backend)
		}
		if cfg.Lock.PoolSize <= 0 {
			return fmt.Errorf("lock: pool_size must be positive for the postgres backend")
		}
	default:
		return fmt.Errorf("lock: unknown backend %q", cfg.Lock.Backend)
	}
	if cfg.Lock.WaitTimeout < 0 {
		return fmt.Errorf("lock: wait_timeout must not be negative")
	}
	if t := cfg.Cycle.ReductionThresholdPercent; t < 0 || t > 99 {
		return fmt.Errorf("cycle: reduction_threshold_percent must be within 0..99, got %d", t)
	}
	return nil
}

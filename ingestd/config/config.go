// Package config loads service configuration from the environment with
// optional YAML overrides for tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full ingestd configuration.
type Config struct {
	// Secret is the process-wide secret used for credential envelope
	// key derivation. Required.
	Secret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN is the OLTP connection string. Required.
	PostgresDSN string

	// ClickHouseAddr is the OLAP native endpoint host:port. Required.
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	ListenAddr  string
	MetricsAddr string

	Queues QueueConfig `yaml:"queues"`

	// RateOverrides are per-marketplace limiter overrides keyed by the
	// limiter scope name (e.g. "wb-statistics").
	RateOverrides map[string]RateOverride `yaml:"rate_overrides"`
}

// QueueConfig holds per-queue worker counts.
type QueueConfig struct {
	Fast     int `yaml:"fast"`
	Sync     int `yaml:"sync"`
	Backfill int `yaml:"backfill"`
}

// RateOverride replaces a default sliding-window configuration.
type RateOverride struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"`
}

// Defaults returns the built-in configuration before env/file overrides.
func Defaults() Config {
	return Config{
		RedisAddr:          "localhost:6379",
		ClickHouseDatabase: "sellerpulse",
		ListenAddr:         ":8080",
		MetricsAddr:        ":9090",
		Queues:             QueueConfig{Fast: 4, Sync: 8, Backfill: 2},
	}
}

// Load reads configuration from the environment. If INGESTD_CONFIG names
// a YAML file it is applied on top of env values for the tunable
// sections (queues, rate overrides).
func Load() (Config, error) {
	cfg := Defaults()

	cfg.Secret = os.Getenv("INGESTD_SECRET")
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		cfg.RedisDB = db
	}
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouseAddr = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		cfg.ClickHouseDatabase = v
	}
	cfg.ClickHouseUser = os.Getenv("CLICKHOUSE_USER")
	cfg.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	for _, q := range []struct {
		env string
		dst *int
	}{
		{"QUEUE_FAST_CONCURRENCY", &cfg.Queues.Fast},
		{"QUEUE_SYNC_CONCURRENCY", &cfg.Queues.Sync},
		{"QUEUE_BACKFILL_CONCURRENCY", &cfg.Queues.Backfill},
	} {
		if v := os.Getenv(q.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("invalid %s %q", q.env, v)
			}
			*q.dst = n
		}
	}

	if path := os.Getenv("INGESTD_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file struct {
		Queues        *QueueConfig            `yaml:"queues"`
		RateOverrides map[string]RateOverride `yaml:"rate_overrides"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if file.Queues != nil {
		c.Queues = *file.Queues
	}
	if file.RateOverrides != nil {
		c.RateOverrides = file.RateOverrides
	}
	return nil
}

// Validate checks required values.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("INGESTD_SECRET is required")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.ClickHouseAddr == "" {
		return fmt.Errorf("CLICKHOUSE_ADDR is required")
	}
	if c.Queues.Fast <= 0 || c.Queues.Sync <= 0 || c.Queues.Backfill <= 0 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	return nil
}

// ShutdownTimeout bounds graceful shutdown of the worker pools.
const ShutdownTimeout = 30 * time.Second

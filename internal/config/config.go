// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_URL becomes
// database_url in YAML.
//
// The gateway can start with no external dependencies at all: set
// STORE_MODE=memory and LOG_STORE=memory for a single-binary deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Store selects the credential/source/pricing backend.
	Store StoreConfig

	// Redis holds the connection URL for the optional credential read-through
	// cache. Leave the URL empty to disable the cache.
	Redis RedisConfig

	// LogStore controls where request logs are persisted.
	LogStore LogStoreConfig

	// Upstream controls the forwarder.
	Upstream UpstreamConfig

	// RateSweepInterval is how often the rate limiter evicts idle per-key
	// windows. Default: 5m.
	RateSweepInterval time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	// Mode selects the backend:
	//   "postgres" — PostgreSQL via DATABASE_URL. Recommended for production.
	//   "memory"   — In-process store. No external deps; state is lost on exit.
	// Default: "memory".
	Mode string

	// DatabaseURL is a postgres:// connection string.
	// Required only when Mode is "postgres".
	DatabaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string

	// KeyCacheTTL is how long a cached credential stays valid. Short by
	// design: a disabled key must stop working quickly. Default: 3s.
	KeyCacheTTL time.Duration
}

// LogStoreConfig controls request log persistence.
type LogStoreConfig struct {
	// Mode selects the backend:
	//   "clickhouse" — ClickHouse via CLICKHOUSE_URL. Recommended for production.
	//   "memory"     — Bounded in-process ring. No external deps.
	// Default: "memory".
	Mode string

	// ClickHouseURL is a clickhouse:// DSN.
	// Required only when Mode is "clickhouse".
	ClickHouseURL string
}

// UpstreamConfig controls the upstream forwarder.
type UpstreamConfig struct {
	// Timeout bounds a single upstream exchange (per read for streams).
	// Default: 120s.
	Timeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("LOG_STORE", "memory")
	v.SetDefault("KEY_CACHE_TTL", "3s")
	v.SetDefault("UPSTREAM_TIMEOUT", "120s")
	v.SetDefault("RATE_SWEEP_INTERVAL", "5m")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Store: StoreConfig{
			Mode:        strings.ToLower(v.GetString("STORE_MODE")),
			DatabaseURL: v.GetString("DATABASE_URL"),
		},

		Redis: RedisConfig{
			URL:         v.GetString("REDIS_URL"),
			KeyCacheTTL: v.GetDuration("KEY_CACHE_TTL"),
		},

		LogStore: LogStoreConfig{
			Mode:          strings.ToLower(v.GetString("LOG_STORE")),
			ClickHouseURL: v.GetString("CLICKHOUSE_URL"),
		},

		Upstream: UpstreamConfig{
			Timeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		RateSweepInterval: v.GetDuration("RATE_SWEEP_INTERVAL"),
		CORSOrigins:       v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Store.Mode {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf(
				"config: DATABASE_URL is required when STORE_MODE=postgres; " +
					"set STORE_MODE=memory to run without a database",
			)
		}
	case "memory":
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: postgres, memory",
			c.Store.Mode,
		)
	}

	switch c.LogStore.Mode {
	case "clickhouse":
		if c.LogStore.ClickHouseURL == "" {
			return fmt.Errorf(
				"config: CLICKHOUSE_URL is required when LOG_STORE=clickhouse; " +
					"set LOG_STORE=memory to keep logs in process",
			)
		}
	case "memory":
	default:
		return fmt.Errorf(
			"config: invalid LOG_STORE %q; must be one of: clickhouse, memory",
			c.LogStore.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

// Package config provides centralized configuration for the staging pipeline.
// Settings come from environment variables with defaults and are validated on
// startup so a misconfigured process fails before touching any data.
package config

import (
	"strconv"
	"time"
)

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Pipeline PipelineConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including in-flight batches (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// MaxBodyBytes caps uploaded batch payloads (default: 64MB)
	MaxBodyBytes int64 `env:"SERVER_MAX_BODY_BYTES" default:"67108864"`
}

// DatabaseConfig holds storage connection settings.
type DatabaseConfig struct {
	// Driver selects the store implementation: sqlite or postgres (default: sqlite)
	Driver string `env:"DATABASE_DRIVER" envAlt:"DB_DRIVER" default:"sqlite"`

	// URL is a file path for sqlite or a connection string for postgres.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" default:"stagemerge.db"`

	// MaxConns is the maximum number of pooled postgres connections (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of pooled postgres connections (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// BusyTimeout is how long sqlite waits on a locked database (default: 5s)
	BusyTimeout time.Duration `env:"DB_BUSY_TIMEOUT" default:"5s"`
}

// PipelineConfig holds batch processing settings.
type PipelineConfig struct {
	// RulesFile is a TOML merge rules file; empty uses the built-in rules.
	RulesFile string `env:"PIPELINE_RULES_FILE"`

	// Workers is the number of entries processed concurrently per batch (default: 1)
	Workers int `env:"PIPELINE_WORKERS" default:"1"`

	// ConflictRetries is how many times an entry is re-merged after a version conflict (default: 3)
	ConflictRetries int `env:"PIPELINE_CONFLICT_RETRIES" default:"3"`

	// MaxConcurrentBatches caps batches processed at the same time (default: 2)
	MaxConcurrentBatches int `env:"PIPELINE_MAX_CONCURRENT_BATCHES" default:"2"`

	// MaxWaitTime is how long a trigger waits for a processing slot (default: 10s)
	MaxWaitTime time.Duration `env:"PIPELINE_MAX_WAIT_TIME" default:"10s"`

	// SweepInterval is how often unfinished batches are resumed; 0 disables the sweeper.
	SweepInterval time.Duration `env:"PIPELINE_SWEEP_INTERVAL" default:"0s"`

	// MaxRows rejects submitted inputs with more rows than this (default: 200000)
	MaxRows int `env:"PIPELINE_MAX_ROWS" default:"200000"`

	// BatchTimeout bounds a single processBatch invocation (default: 30m)
	BatchTimeout time.Duration `env:"PIPELINE_BATCH_TIMEOUT" default:"30m"`
}

// SecurityConfig holds API access settings.
type SecurityConfig struct {
	// RequireAPIKey enables X-API-Key checks on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys.
	APIKeys []string `env:"API_KEYS"`

	// TrustedProxies lists proxy CIDRs whose X-Real-IP and X-Forwarded-For
	// headers are believed. Empty trusts none.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RateLimit is requests per minute per client IP; 0 disables it (default: 600)
	RateLimit int `env:"RATE_LIMIT_PER_MINUTE" default:"600"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

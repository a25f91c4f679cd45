// Package config handles configuration loading with environment variable expansion.
// Files may be YAML or JSON (YAML is a superset, so both parse with one loader).
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/shadowfax/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Admin     AdminConfig     `yaml:"admin"`
	Pool      PoolConfig      `yaml:"pool"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Key string `yaml:"key"` // bearer token for /admin routes; empty disables them
}

// PoolConfig holds upstream pool behavior.
type PoolConfig struct {
	Strategy            string        `yaml:"strategy"`          // lru, round_robin, least_usage, most_usage, oldest_first
	MaxErrorCount       int           `yaml:"max_error_count"`   // consecutive failures before unhealthy
	RequestMaxRetries   int           `yaml:"request_max_retries"`
	RequestBaseDelay    time.Duration `yaml:"request_base_delay"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	UsageSyncInterval   time.Duration `yaml:"usage_sync_interval"`
}

// OAuthConfig holds interactive grant settings.
type OAuthConfig struct {
	CallbackPortMin int `yaml:"callback_port_min"`
	CallbackPortMax int `yaml:"callback_port_max"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name       string `yaml:"name"`
	Key        string `yaml:"key"` // plaintext, hashed on bootstrap
	DailyLimit int64  `yaml:"daily_limit"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    330 * time.Second, // must outlast the 300s upstream timeout
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "shadowfax.db",
		},
		Pool: PoolConfig{
			Strategy:            gateway.StrategyLRU,
			MaxErrorCount:       3,
			RequestMaxRetries:   3,
			RequestBaseDelay:    time.Second,
			HealthCheckInterval: 10 * time.Minute,
			UsageSyncInterval:   10 * time.Minute,
		},
		OAuth: OAuthConfig{
			CallbackPortMin: 19876,
			CallbackPortMax: 19880,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Validate checks config invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	switch c.Pool.Strategy {
	case gateway.StrategyLRU, gateway.StrategyRoundRobin, gateway.StrategyLeastUsage,
		gateway.StrategyMostUsage, gateway.StrategyOldestFirst:
	default:
		return fmt.Errorf("unknown pool strategy %q", c.Pool.Strategy)
	}
	if c.Pool.MaxErrorCount <= 0 {
		return fmt.Errorf("pool.max_error_count must be positive, got %d", c.Pool.MaxErrorCount)
	}
	if c.Pool.RequestMaxRetries < 0 {
		return fmt.Errorf("pool.request_max_retries must be non-negative, got %d", c.Pool.RequestMaxRetries)
	}
	if c.OAuth.CallbackPortMin > c.OAuth.CallbackPortMax {
		return fmt.Errorf("oauth callback port range is empty: [%d, %d]",
			c.OAuth.CallbackPortMin, c.OAuth.CallbackPortMax)
	}
	return nil
}

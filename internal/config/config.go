// Package config handles loading and validating tpmjs configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for tpmjs.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.tpmjs/data. Override: TPMJS_DATA_DIR.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Registry      RegistryConfig       `json:"registry" yaml:"registry"`
	Executor      ExecutorConfig       `json:"executor" yaml:"executor"`
	Schema        SchemaConfig         `json:"schema" yaml:"schema"`
	Verify        VerifyConfig         `json:"verify" yaml:"verify"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HealthCheck   *HealthCheckConfig   `json:"health_check,omitempty" yaml:"health_check,omitempty"`   // nil = batch health checks disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr    string `json:"addr" yaml:"addr"`         // Default: ":8080".
	APIKey  string `json:"api_key" yaml:"api_key"`   // Bearer token. Empty = no auth. Override: TPMJS_API_KEY.
	DevMode bool   `json:"dev_mode" yaml:"dev_mode"` // Relaxes verification URL policy. Override: TPMJS_DEV_MODE=true.

	// RateLimit caps execution requests per caller per minute. 0 = unlimited.
	RateLimit int `json:"rate_limit" yaml:"rate_limit"`
}

// SandboxConfig configures sandbox provisioning.
type SandboxConfig struct {
	Backend     string  `json:"backend" yaml:"backend"`             // "docker" (default) or "process".
	Image       string  `json:"image" yaml:"image"`                 // Docker runtime image.
	MaxMemoryMB int     `json:"max_memory_mb" yaml:"max_memory_mb"` // Default: 512.
	MaxPids     int     `json:"max_pids" yaml:"max_pids"`           // Default: 128.
	CPULimit    float64 `json:"cpu_limit" yaml:"cpu_limit"`         // Default: 1.0.
	LifetimeS   int     `json:"lifetime_s" yaml:"lifetime_s"`       // Container lifetime budget. Default: 300.
}

// RegistryConfig configures package installs.
type RegistryConfig struct {
	URL             string `json:"url,omitempty" yaml:"url,omitempty"` // Empty = npm default. Override: TPMJS_REGISTRY_URL.
	InstallTimeoutS int    `json:"install_timeout_s" yaml:"install_timeout_s"`
}

// ExecutorConfig configures tool runs.
type ExecutorConfig struct {
	RunTimeoutS int `json:"run_timeout_s" yaml:"run_timeout_s"` // Default: 60.
}

// SchemaConfig configures schema extraction.
type SchemaConfig struct {
	CooldownS int `json:"cooldown_s" yaml:"cooldown_s"` // Default: 60.
}

// VerifyConfig configures executor verification.
type VerifyConfig struct {
	ProbeTimeoutS int `json:"probe_timeout_s" yaml:"probe_timeout_s"` // Default: 10.
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Default: derived from data dir.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: DATABASE_URL.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// ObservabilityConfig groups the optional observability features.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tpmjs"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// HealthCheckConfig configures the batch tool health checker.
type HealthCheckConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Schedule      string `json:"schedule" yaml:"schedule"` // Five-field cron. Default: "0 * * * *".
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
}

// DefaultConfigPath returns the default config file path (~/.tpmjs/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/tpmjs.yaml"
	}
	return filepath.Join(home, ".tpmjs", "config.yaml")
}

// Default returns a runnable zero-file configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("TPMJS_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("TPMJS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TPMJS_DEV_MODE"); v == "true" || v == "1" {
		c.Server.DevMode = true
	}
	if v := os.Getenv("TPMJS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TPMJS_REGISTRY_URL"); v != "" {
		c.Registry.URL = v
	}
	if v := os.Getenv("TPMJS_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = "docker"
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".tpmjs", "data")
		}
	}
}

func (c *Config) validate() error {
	switch c.Sandbox.Backend {
	case "docker", "process":
	default:
		return fmt.Errorf("sandbox.backend must be \"docker\" or \"process\", got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxPids < 0 {
		return fmt.Errorf("sandbox.max_pids must not be negative")
	}
	if c.Registry.InstallTimeoutS < 0 {
		return fmt.Errorf("registry.install_timeout_s must not be negative")
	}
	if c.Executor.RunTimeoutS < 0 {
		return fmt.Errorf("executor.run_timeout_s must not be negative")
	}
	if c.Schema.CooldownS < 0 {
		return fmt.Errorf("schema.cooldown_s must not be negative")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required with the postgres driver")
		}
	}
	if c.HealthCheck != nil && c.HealthCheck.MaxConcurrent < 0 {
		return fmt.Errorf("health_check.max_concurrent must not be negative")
	}
	return nil
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "tpmjs.db")
}

// InstallTimeout returns the configured install timeout.
func (c *Config) InstallTimeout() time.Duration {
	if c.Registry.InstallTimeoutS > 0 {
		return time.Duration(c.Registry.InstallTimeoutS) * time.Second
	}
	return 2 * time.Minute
}

// RunTimeout returns the configured run timeout.
func (c *Config) RunTimeout() time.Duration {
	if c.Executor.RunTimeoutS > 0 {
		return time.Duration(c.Executor.RunTimeoutS) * time.Second
	}
	return 60 * time.Second
}

// SchemaCooldown returns the configured extraction cooldown.
func (c *Config) SchemaCooldown() time.Duration {
	if c.Schema.CooldownS > 0 {
		return time.Duration(c.Schema.CooldownS) * time.Second
	}
	return time.Minute
}

// ProbeTimeout returns the verification probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	if c.Verify.ProbeTimeoutS > 0 {
		return time.Duration(c.Verify.ProbeTimeoutS) * time.Second
	}
	return 10 * time.Second
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

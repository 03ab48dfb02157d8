// Package config handles loading and validating scan engine configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the scan engine.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.oryx/data. Override: ORYX_DATA_DIR env var.
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Reaper        *ReaperConfig        `json:"reaper,omitempty" yaml:"reaper,omitempty"`               // nil = orphan reaper disabled
}

// EngineConfig configures scan execution. Mode selects real container
// execution or the simulation path; exactly one is active per deployment and
// an unreachable engine in real mode is a startup failure, never a fallback.
type EngineConfig struct {
	Mode             string  `json:"mode" yaml:"mode"`                             // "real" (default) or "degraded".
	Endpoint         string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // unix:///var/run/docker.sock, npipe:////./pipe/docker_engine, or tcp://host:2375. Empty = engine defaults / DOCKER_HOST.
	DefaultImage     string  `json:"default_image,omitempty" yaml:"default_image,omitempty"`
	DefaultTimeoutMS int     `json:"default_timeout_ms" yaml:"default_timeout_ms"` // Default: 600000 (10 min).
	CPULimit         float64 `json:"cpu_limit" yaml:"cpu_limit"`                   // Fractional cores per scan. Default: 0.5.
	MemoryLimitMB    int64   `json:"memory_limit_mb" yaml:"memory_limit_mb"`       // Default: 512.
	StopGraceS       int     `json:"stop_grace_s" yaml:"stop_grace_s"`             // Grace before hard kill. Default: 0.
	PrePullImages    bool    `json:"pre_pull_images" yaml:"pre_pull_images"`       // Pull every registered tool image at startup.
	SimChunkDelayMS  int     `json:"sim_chunk_delay_ms" yaml:"sim_chunk_delay_ms"` // Degraded mode: pause between fabricated chunks.
}

// EngineMode returns the configured execution mode, defaulting to "real".
func (e *EngineConfig) EngineMode() string {
	if e.Mode != "" {
		return e.Mode
	}
	return "real"
}

// DefaultTimeout returns the per-scan wall-clock limit.
func (e *EngineConfig) DefaultTimeout() time.Duration {
	if e.DefaultTimeoutMS > 0 {
		return time.Duration(e.DefaultTimeoutMS) * time.Millisecond
	}
	return 10 * time.Minute
}

// StopGrace returns the stop grace period before a hard kill.
func (e *EngineConfig) StopGrace() time.Duration {
	if e.StopGraceS > 0 {
		return time.Duration(e.StopGraceS) * time.Second
	}
	return 0
}

// SimChunkDelay returns the pause between fabricated output chunks in
// degraded mode.
func (e *EngineConfig) SimChunkDelay() time.Duration {
	if e.SimChunkDelayMS > 0 {
		return time.Duration(e.SimChunkDelayMS) * time.Millisecond
	}
	return 0
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "WAL" (default), "DELETE", "TRUNCATE", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// GatewaysConfig configures the caller-facing surfaces.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`           // nil = HTTP API disabled
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // nil = WebSocket streaming disabled
}

// HTTPGatewayConfig configures the HTTP API server.
type HTTPGatewayConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Addr      string `json:"addr" yaml:"addr"`             // Default: ":8090".
	APIKey    string `json:"api_key" yaml:"api_key"`       // Override: ORYX_API_KEY env var. Empty = no auth (dev only).
	RateLimit int    `json:"rate_limit" yaml:"rate_limit"` // Requests per minute per client. 0 = unlimited.
}

// ListenAddr returns the configured bind address, defaulting to ":8090".
func (h *HTTPGatewayConfig) ListenAddr() string {
	if h != nil && h.Addr != "" {
		return h.Addr
	}
	return ":8090"
}

// WebSocketGatewayConfig configures the live event stream endpoint, served on
// the HTTP gateway's listener.
type WebSocketGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`   // Default: "/ws".
	Token   string `json:"token" yaml:"token"` // Override: ORYX_WS_TOKEN env var. Empty = no auth (dev only).
}

// StreamPath returns the WebSocket mount path, defaulting to "/ws".
func (w *WebSocketGatewayConfig) StreamPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws"
}

// ReaperConfig configures the orphaned-container sweep.
type ReaperConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Schedule  string `json:"schedule" yaml:"schedule"`       // Cron expression. Default: "@every 5m".
	MaxAgeMin int    `json:"max_age_min" yaml:"max_age_min"` // Containers older than this are removed. Default: 60.
}

// CronSchedule returns the sweep schedule, defaulting to every five minutes.
func (r *ReaperConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "@every 5m"
}

// MaxAge returns the orphan age threshold.
func (r *ReaperConfig) MaxAge() time.Duration {
	if r != nil && r.MaxAgeMin > 0 {
		return time.Duration(r.MaxAgeMin) * time.Minute
	}
	return time.Hour
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "scanengine"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultDataDir returns ~/.oryx/data, or a relative fallback when the home
// directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oryx/data"
	}
	return filepath.Join(home, ".oryx", "data")
}

// DefaultConfigPath returns ~/.oryx/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".oryx", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
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

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a runnable configuration without a config file: real
// execution, SQLite storage under the data dir, HTTP and WebSocket gateways
// enabled without auth.
func Default() *Config {
	cfg := &Config{
		Gateways: GatewaysConfig{
			HTTP:      &HTTPGatewayConfig{Enabled: true},
			WebSocket: &WebSocketGatewayConfig{Enabled: true},
		},
	}
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	// Environment variable overrides — env vars take precedence over config values.
	if envDD := os.Getenv("ORYX_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envMode := os.Getenv("ORYX_ENGINE_MODE"); envMode != "" {
		c.Engine.Mode = envMode
	}
	if envEP := os.Getenv("ORYX_ENGINE_ENDPOINT"); envEP != "" {
		c.Engine.Endpoint = envEP
	}
	if envTimeout := os.Getenv("ORYX_DEFAULT_TIMEOUT_MS"); envTimeout != "" {
		if ms, err := strconv.Atoi(envTimeout); err == nil {
			c.Engine.DefaultTimeoutMS = ms
		}
	}
	if envDSN := os.Getenv("ORYX_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = envDSN
	}
	if envKey := os.Getenv("ORYX_API_KEY"); envKey != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		c.Gateways.HTTP.APIKey = envKey
	}
	if envToken := os.Getenv("ORYX_WS_TOKEN"); envToken != "" {
		if c.Gateways.WebSocket == nil {
			c.Gateways.WebSocket = &WebSocketGatewayConfig{Enabled: true}
		}
		c.Gateways.WebSocket.Token = envToken
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	switch c.Engine.EngineMode() {
	case "real", "degraded":
	default:
		return fmt.Errorf("engine.mode %q is not supported (use \"real\" or \"degraded\")", c.Engine.Mode)
	}

	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}

	if c.Engine.DefaultTimeoutMS < 0 {
		return fmt.Errorf("engine.default_timeout_ms must not be negative")
	}
	if c.Engine.CPULimit < 0 {
		return fmt.Errorf("engine.cpu_limit must not be negative")
	}
	if c.Engine.MemoryLimitMB < 0 {
		return fmt.Errorf("engine.memory_limit_mb must not be negative")
	}
	return nil
}

// ResolvedDataDir returns the configured data dir or the default.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// SQLitePath returns the SQLite database file path, derived from the data dir
// when not set explicitly.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "scans.db")
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

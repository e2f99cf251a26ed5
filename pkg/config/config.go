// Package config resolves pipeline settings from an explicit environment snapshot.
//
// Stages never call os.Getenv themselves; the CLI captures the process
// environment once with FromOS and threads it through, so every stage can be
// exercised in tests with a plain map.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Env is a snapshot of environment variables.
type Env map[string]string

// FromOS captures the current process environment.
func FromOS() Env {
	env := make(Env)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Get returns the value for key, or "" when unset.
func (e Env) Get(key string) string {
	if e == nil {
		return ""
	}
	return e[key]
}

// Lookup reports whether key is set.
func (e Env) Lookup(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	v, ok := e[key]
	return v, ok
}

// MissingMetricsPolicy decides how absent response metrics are scored.
type MissingMetricsPolicy string

const (
	// MissingLenient scores missing Q and pass as 0 and missing UNKNOWN as 0.
	MissingLenient MissingMetricsPolicy = "lenient"
	// MissingStrict fails any response that omits a metric.
	MissingStrict MissingMetricsPolicy = "strict"
)

// Lock backends.
const (
	LockBackendFile     = "file"
	LockBackendSQLite   = "sqlite"
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
)

// DefaultLayer is used when Z_LAYER is unset.
const DefaultLayer = "unknown"

// Config holds the resolved pipeline configuration.
type Config struct {
	Root            string
	LogsDir         string
	RouteConfigPath string
	SchemaPath      string
	WBSPath         string

	Layer           string
	LockBackend     string
	LockDSN         string
	LayerStaleAfter time.Duration

	RunDeadline   time.Duration
	RouterTimeout time.Duration
	Shell         string

	MissingMetrics MissingMetricsPolicy
	LogLevel       string

	OTLPEndpoint string
	OTLPInsecure bool
}

// Load resolves configuration from env. Relative paths are anchored at Root,
// which defaults to the working directory.
func Load(env Env) (*Config, error) {
	root := env.Get("SYNQ_ROOT")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &ConfigurationError{Source: "SYNQ_ROOT", Message: "cannot determine working directory", Err: err}
		}
		root = wd
	}

	cfg := &Config{
		Root:         root,
		Layer:        valueOr(env, "Z_LAYER", DefaultLayer),
		LockBackend:  strings.ToLower(valueOr(env, "SYNQ_LOCK_BACKEND", LockBackendFile)),
		LockDSN:      env.Get("SYNQ_LOCK_DSN"),
		Shell:        valueOr(env, "SYNQ_SHELL", "bash"),
		LogLevel:     strings.ToUpper(valueOr(env, "LOG_LEVEL", "WARN")),
		OTLPEndpoint: env.Get("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: env.Get("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	}

	cfg.LogsDir = cfg.path(valueOr(env, "SYNQ_LOGS_DIR", filepath.Join("logs", "local")))
	cfg.RouteConfigPath = cfg.path(valueOr(env, "SYNQ_ROUTE_CONFIG", filepath.Join(".cursor", "mcp.json")))
	cfg.SchemaPath = cfg.path(valueOr(env, "SYNQ_SCHEMA", filepath.Join("prompts", "schema.json")))
	cfg.WBSPath = cfg.path(valueOr(env, "SYNQ_WBS", filepath.Join("workflows", "wbs.json")))

	var err error
	if cfg.LayerStaleAfter, err = duration(env, "SYNQ_LAYER_STALE_AFTER", 2*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RunDeadline, err = duration(env, "SYNQ_RUN_DEADLINE", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RouterTimeout, err = duration(env, "SYNQ_ROUTER_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}

	switch p := MissingMetricsPolicy(strings.ToLower(valueOr(env, "SYNQ_MISSING_METRICS", string(MissingLenient)))); p {
	case MissingLenient, MissingStrict:
		cfg.MissingMetrics = p
	default:
		return nil, &ConfigurationError{Source: "SYNQ_MISSING_METRICS", Message: fmt.Sprintf("unsupported policy %q", p)}
	}

	switch cfg.LockBackend {
	case LockBackendFile:
		if cfg.LockDSN == "" {
			cfg.LockDSN = filepath.Join(cfg.LogsDir, "active-layer.json")
		}
	case LockBackendSQLite:
		if cfg.LockDSN == "" {
			cfg.LockDSN = filepath.Join(cfg.LogsDir, "layer.db")
		}
	case LockBackendPostgres, LockBackendRedis:
		if cfg.LockDSN == "" {
			return nil, &ConfigurationError{Source: "SYNQ_LOCK_DSN", Message: fmt.Sprintf("required for %s lock backend", cfg.LockBackend)}
		}
	default:
		return nil, &ConfigurationError{Source: "SYNQ_LOCK_BACKEND", Message: fmt.Sprintf("unsupported backend %q", cfg.LockBackend)}
	}

	return cfg, nil
}

// EnsureLogsDir creates the logs directory if needed.
func (c *Config) EnsureLogsDir() error {
	if err := os.MkdirAll(c.LogsDir, 0o750); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	return nil
}

func (c *Config) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

func valueOr(env Env, key, def string) string {
	if v := env.Get(key); v != "" {
		return v
	}
	return def
}

func duration(env Env, key string, def time.Duration) (time.Duration, error) {
	raw := env.Get(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &ConfigurationError{Source: key, Message: fmt.Sprintf("invalid duration %q", raw), Err: err}
	}
	if d <= 0 {
		return 0, &ConfigurationError{Source: key, Message: "duration must be positive"}
	}
	return d, nil
}

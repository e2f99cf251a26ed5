package config_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqualis/synq/pkg/config"
)

// TestLoad_Defaults verifies an empty snapshot yields the documented defaults.
func TestLoad_Defaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.Load(config.Env{"SYNQ_ROOT": root})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "logs", "local"), cfg.LogsDir)
	assert.Equal(t, filepath.Join(root, ".cursor", "mcp.json"), cfg.RouteConfigPath)
	assert.Equal(t, filepath.Join(root, "prompts", "schema.json"), cfg.SchemaPath)
	assert.Equal(t, filepath.Join(root, "workflows", "wbs.json"), cfg.WBSPath)
	assert.Equal(t, "unknown", cfg.Layer)
	assert.Equal(t, config.LockBackendFile, cfg.LockBackend)
	assert.Equal(t, filepath.Join(root, "logs", "local", "active-layer.json"), cfg.LockDSN)
	assert.Equal(t, 2*time.Hour, cfg.LayerStaleAfter)
	assert.Equal(t, 60*time.Second, cfg.RunDeadline)
	assert.Equal(t, 2*time.Minute, cfg.RouterTimeout)
	assert.Equal(t, config.MissingLenient, cfg.MissingMetrics)
	assert.Equal(t, "bash", cfg.Shell)
	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Empty(t, cfg.OTLPEndpoint)
}

func TestLoad_Overrides(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.Load(config.Env{
		"SYNQ_ROOT":              root,
		"SYNQ_LOGS_DIR":          "/var/log/synq",
		"Z_LAYER":                "build",
		"SYNQ_LOCK_BACKEND":      "SQLite",
		"SYNQ_LAYER_STALE_AFTER": "30m",
		"SYNQ_RUN_DEADLINE":      "5s",
		"SYNQ_MISSING_METRICS":   "strict",
		"LOG_LEVEL":              "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, "/var/log/synq", cfg.LogsDir)
	assert.Equal(t, "build", cfg.Layer)
	assert.Equal(t, config.LockBackendSQLite, cfg.LockBackend)
	assert.Equal(t, "/var/log/synq/layer.db", cfg.LockDSN)
	assert.Equal(t, 30*time.Minute, cfg.LayerStaleAfter)
	assert.Equal(t, 5*time.Second, cfg.RunDeadline)
	assert.Equal(t, config.MissingStrict, cfg.MissingMetrics)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]config.Env{
		"bad duration":      {"SYNQ_RUN_DEADLINE": "soon"},
		"zero duration":     {"SYNQ_LAYER_STALE_AFTER": "0s"},
		"bad policy":        {"SYNQ_MISSING_METRICS": "optimistic"},
		"bad backend":       {"SYNQ_LOCK_BACKEND": "etcd"},
		"redis without dsn": {"SYNQ_LOCK_BACKEND": "redis"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			env["SYNQ_ROOT"] = t.TempDir()
			_, err := config.Load(env)
			var cfgErr *config.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestFromOS(t *testing.T) {
	t.Setenv("SYNQ_TEST_MARKER", "a=b")
	env := config.FromOS()
	v, ok := env.Lookup("SYNQ_TEST_MARKER")
	assert.True(t, ok)
	assert.Equal(t, "a=b", v)

	var nilEnv config.Env
	assert.Equal(t, "", nilEnv.Get("ANY"))
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DISPATCH_DATABASE_URL", "postgres://localhost:5432/dispatch_test")
	t.Setenv("DISPATCH_LLM_GEMINI_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost:5432/dispatch_test", cfg.Database.URL)
	assert.Equal(t, "test-key", cfg.LLM.GeminiAPIKey)

	// Defaults fill everything not set explicitly.
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 4, cfg.Queue.WorkerCount)
	assert.Equal(t, 3, cfg.Queue.DefaultMaxAttempts)
	assert.Equal(t, 2, cfg.Queue.BackoffBaseSeconds)
	assert.Equal(t, 60, cfg.Session.SweepIntervalSeconds)
	assert.Equal(t, 60000, cfg.Sandbox.MaxTimeoutMs)
	assert.Equal(t, "browserless/chrome:latest", cfg.Browser.Image)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("DISPATCH_DATABASE_URL", "postgres://localhost:5432/dispatch_test")
	t.Setenv("DISPATCH_LLM_GEMINI_API_KEY", "test-key")
	t.Setenv("DISPATCH_SERVER_LOG_LEVEL", "debug")
	t.Setenv("DISPATCH_QUEUE_WORKER_COUNT", "9")
	t.Setenv("DISPATCH_REDIS_PASSWORD", "hunter2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 9, cfg.Queue.WorkerCount)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("DISPATCH_DATABASE_URL", "")
	t.Setenv("DISPATCH_LLM_GEMINI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("DISPATCH_DATABASE_URL", "postgres://localhost:5432/dispatch_test")
	t.Setenv("DISPATCH_LLM_GEMINI_API_KEY", "test-key")
	t.Setenv("DISPATCH_SERVER_LOG_LEVEL", "loud")

	_, err := Load()
	assert.Error(t, err)
}

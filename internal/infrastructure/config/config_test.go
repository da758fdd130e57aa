package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "secret-token")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 6*time.Second, cfg.Pipeline.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.EndGameInterval)
	assert.Equal(t, 150*time.Millisecond, cfg.Pipeline.MinSpacing)
	assert.Equal(t, 100, cfg.Upstream.RateLimitPerMinute)
	assert.Equal(t, 10*time.Second, cfg.Upstream.RequestTimeout)
	assert.Equal(t, 5, cfg.Hub.MaxConnsPerIP)
	assert.True(t, cfg.Store.MemoryFallback)
}

func TestLoadMissingAuthToken(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLegacyEnvOverrides(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "tok")
	t.Setenv("PORT", "9191")
	t.Setenv("USE_STREAM", "false")
	t.Setenv("USE_POLLING_QUEUE", "true")
	t.Setenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD", "7")
	t.Setenv("CIRCUIT_BREAKER_TIMEOUT", "45000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SIGNING_SECRET", "hmac-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.False(t, cfg.Pipeline.UseStream)
	assert.True(t, cfg.Pipeline.UsePollingQueue)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "hmac-secret", cfg.Auth.SigningSecret)
}

func TestBothPipelinesDisabled(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "tok")
	t.Setenv("USE_STREAM", "false")
	t.Setenv("USE_POLLING_QUEUE", "false")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update pipeline")
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "tok")
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load("")
	assert.Error(t, err)
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesSpecDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50, cfg.Pool.Total)
	assert.Equal(t, 20, cfg.Summary.MessageThreshold)
	assert.Equal(t, 8, cfg.Memory.ToolThreshold)
	assert.Equal(t, 3, cfg.Plan.MaxTaskAttempts)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	os.Setenv("ORCH_CIRCUIT_FAILURE_THRESHOLD", "9")
	defer os.Unsetenv("ORCH_CIRCUIT_FAILURE_THRESHOLD")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Circuit.FailureThreshold)
}

func TestLoadAppliesOptionsAfterEnv(t *testing.T) {
	os.Setenv("ORCH_REDIS_URL", "redis://from-env:6379")
	defer os.Unsetenv("ORCH_REDIS_URL")

	cfg, err := Load(WithRedisURL("redis://from-option:6379"), WithPlanMaxTaskAttempts(7))
	require.NoError(t, err)
	assert.Equal(t, "redis://from-option:6379", cfg.Redis.URL)
	assert.Equal(t, 7, cfg.Plan.MaxTaskAttempts)
}

func TestLoadRejectsInvalidOption(t *testing.T) {
	_, err := Load(WithPlanMaxTaskAttempts(0))
	assert.Error(t, err)
}

func TestRedisURLFallbackEnvName(t *testing.T) {
	os.Setenv("REDIS_URL", "redis://fallback:6379")
	defer os.Unsetenv("REDIS_URL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://fallback:6379", cfg.Redis.URL)
}

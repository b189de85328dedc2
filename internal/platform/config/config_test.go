package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("test")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"TZ"}, cfg.PhoneRegions)
	assert.Equal(t, "Taarifa-SMS", cfg.SystemSenderLabel)
	assert.Equal(t, int64(1), cfg.CreditsPerSegment)
	assert.Equal(t, 200, cfg.MaxSegments)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyWindow)
	assert.Equal(t, 100, cfg.GatewayMaxRecipients)
	assert.Equal(t, "@every 1m", cfg.PollSchedule)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_PHONE_REGIONS", "KE,TZ")
	t.Setenv("APP_POLL_THRESHOLD", "90s")
	t.Setenv("APP_CREDITS_PER_SEGMENT", "2")

	cfg, err := Load("test")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"KE", "TZ"}, cfg.PhoneRegions)
	assert.Equal(t, 90*time.Second, cfg.PollThreshold)
	assert.Equal(t, int64(2), cfg.CreditsPerSegment)
}

// chdirTemp moves into an empty dir so no config.defaults.yaml is picked up.
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

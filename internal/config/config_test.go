package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"APERTURE_API_TOKEN", "PORT", "HOST", "LOG_LEVEL",
		"MAX_CONCURRENT_SESSIONS", "SESSION_IDLE_TIMEOUT_MS",
		"MAX_MESSAGE_SIZE_BYTES", "RPC_REQUEST_TIMEOUT_MS",
		"RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW_MS", "HOSTED_MODE",
		"ALLOW_INTERACTIVE_AUTH", "CREDENTIALS_MASTER_KEY",
		"CREDENTIALS_STORE_PATH", "DATABASE_PATH",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("APERTURE_API_TOKEN", "tok")
	defer os.Unsetenv("APERTURE_API_TOKEN")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tok", cfg.APIToken)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 50, cfg.MaxConcurrentSessions)
	assert.Equal(t, 600*time.Second, cfg.SessionIdleTimeout)
	assert.Equal(t, int64(262144), cfg.MaxMessageSizeBytes)
	assert.Equal(t, 300*time.Second, cfg.RPCRequestTimeout)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.True(t, cfg.HostedMode)
	assert.False(t, cfg.AllowInteractiveAuth)
	assert.False(t, cfg.VaultEnabled())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("APERTURE_API_TOKEN", "tok")
	os.Setenv("PORT", "9090")
	os.Setenv("MAX_CONCURRENT_SESSIONS", "5")
	os.Setenv("SESSION_IDLE_TIMEOUT_MS", "500")
	os.Setenv("CREDENTIALS_MASTER_KEY", "0123456789abcdef0123456789abcdef")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5, cfg.MaxConcurrentSessions)
	assert.Equal(t, 500*time.Millisecond, cfg.SessionIdleTimeout)
	assert.True(t, cfg.VaultEnabled())
}

// Package config loads the gateway's configuration from the process
// environment. There is exactly one Config value, built once at boot and
// passed explicitly to every component — no ambient mutable globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the gateway's full runtime configuration, loaded once from
// the environment at boot.
type Config struct {
	// APIToken is the bearer token AuthGate requires on every gated path.
	APIToken string

	Host string
	Port int

	LogLevel string

	MaxConcurrentSessions int
	SessionIdleTimeout    time.Duration
	MaxMessageSizeBytes   int64
	RPCRequestTimeout     time.Duration

	RateLimitMax        int
	RateLimitWindow      time.Duration
	HostedMode          bool
	AllowInteractiveAuth bool

	CredentialsMasterKey  string
	CredentialsStorePath  string
	DatabasePath          string

	ClaudePath string
	PiPath     string
}

// Load builds a Config from the process environment. It returns an error
// for anything that is fatal at boot (a missing bearer token); everything
// else falls back to its documented default.
func Load() (*Config, error) {
	cfg := &Config{
		Host:                  getString("HOST", "0.0.0.0"),
		Port:                  getInt("PORT", 8080),
		LogLevel:              getString("LOG_LEVEL", "info"),
		MaxConcurrentSessions: getInt("MAX_CONCURRENT_SESSIONS", 50),
		SessionIdleTimeout:    getDurationMs("SESSION_IDLE_TIMEOUT_MS", 600_000),
		MaxMessageSizeBytes:   int64(getInt("MAX_MESSAGE_SIZE_BYTES", 262_144)),
		RPCRequestTimeout:     getDurationMs("RPC_REQUEST_TIMEOUT_MS", 300_000),
		RateLimitMax:          getInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow:       getDurationMs("RATE_LIMIT_WINDOW_MS", 60_000),
		HostedMode:            getBool("HOSTED_MODE", true),
		AllowInteractiveAuth:  getBool("ALLOW_INTERACTIVE_AUTH", false),
		CredentialsMasterKey:  os.Getenv("CREDENTIALS_MASTER_KEY"),
		CredentialsStorePath:  getString("CREDENTIALS_STORE_PATH", "./data/credentials.bin"),
		DatabasePath:          getString("DATABASE_PATH", "./data/gateway.db"),
		ClaudePath:            os.Getenv("CLAUDE_BACKEND_PATH"),
		PiPath:                os.Getenv("PI_BACKEND_PATH"),
	}

	cfg.APIToken = os.Getenv("APERTURE_API_TOKEN")
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("config: APERTURE_API_TOKEN is required")
	}

	return cfg, nil
}

// VaultEnabled reports whether the credential vault should be opened:
// a master key of at least 32 bytes is required.
func (c *Config) VaultEnabled() bool {
	return len(c.CredentialsMasterKey) >= 32
}

func getString(env, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func getInt(env string, def int) int {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(env string, def bool) bool {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getDurationMs(env string, defMs int) time.Duration {
	return time.Duration(getInt(env, defMs)) * time.Millisecond
}

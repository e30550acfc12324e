package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"DATABASE_URL", "DATABASE_TIMEOUT", "SQLITE_MAX_CONNECTIONS", "MAX_ERROR_COUNT",
		"AUTO_DISABLE_INCOMPLETE_ACCOUNTS", "MASTER_KEY", "MASTER_KEY_PATH", "HTTP_PROXY",
		"TOKEN_COUNT_MULTIPLIER", "MAX_TOKENS_PER_REQUEST", "TOKEN_COMPRESS_THRESHOLD",
		"REQUEST_DEDUPE_WINDOW_MS", "REQUEST_DEDUPE_MAX_KEYS", "REQUEST_DEDUPE_IGNORE_MODEL",
		"REQUEST_TRACE_ENABLED", "MAX_AUTH_SESSIONS", "LOCK_DIR", "LOCK_TIMEOUT",
		"LOCK_STALE_TIMEOUT", "AMAZON_Q_REGION", "LISTEN_ADDR",
	}
	for _, v := range vars {
		old, had := os.LookupEnv(v)
		os.Unsetenv(v)
		t.Cleanup(func() {
			if had {
				os.Setenv(v, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearGatewayEnv(t)
	cfg := Load()

	assert.Equal(t, "", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.DatabaseTimeout)
	assert.Equal(t, 10, cfg.MaxErrorCount)
	assert.Equal(t, 1.0, cfg.TokenCountMultiplier)
	assert.Equal(t, "us-east-1", cfg.AmazonQRegion)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("DATABASE_URL", "postgres://example/db")
	os.Setenv("MAX_ERROR_COUNT", "25")
	os.Setenv("REQUEST_DEDUPE_WINDOW_MS", "5000")
	os.Setenv("AUTO_DISABLE_INCOMPLETE_ACCOUNTS", "false")

	cfg := Load()
	assert.Equal(t, "postgres://example/db", cfg.DatabaseURL)
	assert.Equal(t, 25, cfg.MaxErrorCount)
	assert.Equal(t, 5*time.Second, cfg.RequestDedupeWindow)
	assert.False(t, cfg.AutoDisableIncompleteAccounts)
}

func TestLoad_IgnoresMalformedNumericEnv(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("MAX_ERROR_COUNT", "not-a-number")

	cfg := Load()
	assert.Equal(t, 10, cfg.MaxErrorCount)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "STORE_BACKEND", "STORE_URL", "STORE_AUTH_TOKEN", "STORE_TIMEOUT",
	"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "SQLITE_DSN",
	"LIFECYCLE_INTERVAL", "LIFECYCLE_TZ", "OUTBOX_INTERVAL", "OUTBOX_MAX_RETRIES",
	"BREAKER_MAX_FAILURES", "BREAKER_TIMEOUT", "REDIS_ADDR",
}

func clearEnv(t *testing.T) {
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("8080")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, 10*time.Second, cfg.StoreTimeout)
	assert.Equal(t, time.Hour, cfg.LifecycleInterval)
	assert.Equal(t, 5*time.Second, cfg.OutboxInterval)
	assert.Equal(t, 5, cfg.OutboxMaxRetries)
	assert.Equal(t, 5, cfg.BreakerMaxFailures)
	assert.Equal(t, 30*time.Second, cfg.BreakerTimeout)
	assert.Equal(t, "postgres", cfg.DB.Host)
	assert.Equal(t, "bookmarket", cfg.DB.Name)
	assert.NotNil(t, cfg.LifecycleLocation)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "http")
	t.Setenv("STORE_URL", "https://example.firebaseio.com")
	t.Setenv("STORE_AUTH_TOKEN", "secret")
	t.Setenv("LIFECYCLE_INTERVAL", "15m")
	t.Setenv("LIFECYCLE_TZ", "UTC")
	t.Setenv("OUTBOX_MAX_RETRIES", "9")

	cfg, err := Load("8080")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendHTTP, cfg.StoreBackend)
	assert.Equal(t, "https://example.firebaseio.com", cfg.StoreURL)
	assert.Equal(t, "secret", cfg.StoreAuthToken)
	assert.Equal(t, 15*time.Minute, cfg.LifecycleInterval)
	assert.Equal(t, time.UTC, cfg.LifecycleLocation)
	assert.Equal(t, 9, cfg.OutboxMaxRetries)
}

func TestLoadReportsMissingStoreURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_BACKEND", "http")

	_, err := Load("8080")
	require.Error(t, err)
	assert.Equal(t, "missing required environment variables: STORE_URL", err.Error())
}

func TestLoadCollectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("PORT", "http")
	t.Setenv("STORE_TIMEOUT", "-1s")
	t.Setenv("OUTBOX_MAX_RETRIES", "zero")
	t.Setenv("LIFECYCLE_TZ", "Mars/Olympus")

	_, err := Load("8080")
	require.Error(t, err)
	assert.Equal(t, "invalid environment variables: STORE_BACKEND, PORT, STORE_TIMEOUT, OUTBOX_MAX_RETRIES, LIFECYCLE_TZ", err.Error())
}

package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8082", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, defaultDatabaseURL, cfg.DatabaseURL)
	assert.Equal(t, 25, cfg.DBMaxOpenConns)
	assert.Equal(t, 10*time.Minute, cfg.OverdueScanInterval)
	assert.Equal(t, 200, cfg.OverdueScanBatch)
	assert.Equal(t, 5, cfg.CheckoutMaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.RetryBaseDelay)
	assert.True(t, decimal.RequireFromString("0.25").Equal(cfg.LateFeePerDay))
	assert.Empty(t, cfg.NotifyWebhookURL)
	assert.Equal(t, float64(20), cfg.NotifyRatePerSec)
	assert.Equal(t, uint32(5), cfg.NotifyBreakerFailures)
	assert.Empty(t, cfg.MetricsEndpoint)
	assert.Equal(t, 30*time.Second, cfg.MetricsInterval)
	assert.Equal(t, "libralend-circulation", cfg.ServiceName)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"STORE_DRIVER":          "memory",
		"OVERDUE_SCAN_INTERVAL": "0",
		"LATE_FEE_PER_DAY":      "1.10",
		"NOTIFY_WEBHOOK_URL":    "http://hooks.local/lending",
		"NOTIFY_RATE_PER_SEC":   "2.5",
	}))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Zero(t, cfg.OverdueScanInterval)
	assert.Equal(t, "1.1", cfg.LateFeePerDay.String())
	assert.Equal(t, "http://hooks.local/lending", cfg.NotifyWebhookURL)
	assert.Equal(t, 2.5, cfg.NotifyRatePerSec)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"DB_MAX_OPEN_CONNS":       "many",
		"OVERDUE_SCAN_INTERVAL":   "soon",
		"LATE_FEE_PER_DAY":        "a quarter",
		"NOTIFY_RATE_PER_SEC":     "fast",
		"STORE_DRIVER":            "sqlite",
		"CHECKOUT_MAX_ATTEMPTS":   "0",
		"OVERDUE_SCAN_BATCH":      "-1",
		"NOTIFY_BREAKER_FAILURES": "-3",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := FromEnv(env(map[string]string{key: value}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadWithoutEnvFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HTTP_ADDR", ":9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
}

package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 5*time.Second, cfg.LineLockTTL)
	assert.Equal(t, 4, cfg.ReconcileConcurrency)
	assert.Equal(t, 5, cfg.RouteCheckMaxRetry)
	assert.True(t, cfg.CancelledCompletesRoute)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Equal(t, "id", cfg.NotifyLocale)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigReadsDotEnvWithoutOverriding(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RECONCILE_CONCURRENCY=9\nNOTIFY_LOCALE=en\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("NOTIFY_LOCALE", "id")
	t.Cleanup(func() { _ = os.Unsetenv("RECONCILE_CONCURRENCY") })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.ReconcileConcurrency)
	assert.Equal(t, "id", cfg.NotifyLocale)
}

func TestLoadConfigRejectsInvalidSettings(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("RECONCILE_CONCURRENCY", "0")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECONCILE_CONCURRENCY")
}

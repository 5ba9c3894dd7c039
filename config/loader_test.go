package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoaderDefaults(t *testing.T) {
	defaults := NewLoader().Defaults()

	assert.Equal(t, "sai-cache", defaults.Name)
	assert.Equal(t, "memory", defaults.Store.Type)
	assert.Equal(t, time.Hour, defaults.Cache.DefaultTTL)
	assert.Equal(t, 100, defaults.Invalidator.HistorySize)
	assert.Equal(t, "cache:invalidation", defaults.Invalidator.Channel)
	assert.True(t, defaults.Invalidator.SeedDefaultRules)
	assert.False(t, defaults.RateLimit.Enabled)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
name: billing-cache
store:
  type: redis
  config:
    host: redis.internal
    port: 6380
cache:
  default_ttl: 15m
warmer:
  enabled: false
rate_limit:
  enabled: true
  limit: 50
  window: 30s
`)

	config, err := NewLoader().LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "billing-cache", config.Name)
	assert.Equal(t, "redis", config.Store.Type)
	assert.Equal(t, 15*time.Minute, config.Cache.DefaultTTL)
	assert.False(t, config.Warmer.Enabled)
	assert.True(t, config.RateLimit.Enabled)
	assert.Equal(t, int64(50), config.RateLimit.Limit)
	assert.Equal(t, 30*time.Second, config.RateLimit.Window)

	// Untouched sections keep their defaults.
	assert.Equal(t, 100, config.Invalidator.HistorySize)
}

func TestLoadFromFileRejectsInvalidStoreType(t *testing.T) {
	path := writeConfigFile(t, `
name: broken
store:
  type: cassandra
`)

	_, err := NewLoader().LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := NewLoader().LoadFromFile("/nonexistent/config.yml")
	assert.Error(t, err)

	_, err = NewLoader().LoadFromFile("")
	assert.Error(t, err)
}

func TestManagerFromConfig(t *testing.T) {
	defaults := NewLoader().Defaults()

	manager, err := NewManagerFromConfig(defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, manager.GetConfig())

	_, err = NewManagerFromConfig(nil)
	assert.Error(t, err)
}

func TestManagerLoadsFromPath(t *testing.T) {
	path := writeConfigFile(t, `name: from-file`)

	manager, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", manager.GetConfig().Name)

	_, err = NewManager("")
	assert.Error(t, err)
}

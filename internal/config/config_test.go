package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 24, cfg.Engine.TargetPopulation)
	assert.Equal(t, 6, cfg.Engine.TopParents)
	assert.Equal(t, 2, cfg.Engine.MutantsPerParent)
	assert.Equal(t, 10, cfg.Engine.MinObservations)
	assert.Equal(t, 20, cfg.Engine.FreezeMinN)
	assert.Equal(t, 2.0, cfg.Engine.UCBC)
	assert.Equal(t, 0.05, cfg.Engine.RiskPenalty)
	assert.Equal(t, 1.0, cfg.Engine.LCBZ)
	assert.Equal(t, int64(1), cfg.Engine.BaselineLong)
	assert.Equal(t, int64(2), cfg.Engine.BaselineShort)
	assert.Equal(t, 30*time.Second, cfg.Engine.CacheTTL.Std())
	assert.Equal(t, ":8099", cfg.HTTP.Addr)
	require.NoError(t, cfg.validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
engine:
  target_population: 48
  stale_after: 168h
  cache_ttl: 45s
database:
  dsn: postgres://autobot:pw@localhost/autobot?sslmode=disable
  timeout: 3s
redis:
  enabled: true
  addr: localhost:6379
http:
  addr: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 48, cfg.Engine.TargetPopulation)
	assert.Equal(t, 168*time.Hour, cfg.Engine.StaleAfter.Std())
	assert.Equal(t, 45*time.Second, cfg.Engine.CacheTTL.Std())
	assert.Equal(t, 3*time.Second, cfg.Database.Timeout.Std())
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)

	// Untouched keys keep their defaults.
	assert.Equal(t, 6, cfg.Engine.TopParents)
	assert.Equal(t, 10, cfg.Database.MaxConns)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUTOBOT_DB_DSN", "postgres://env-user@db/autobot")
	t.Setenv("AUTOBOT_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("AUTOBOT_REDIS_PASSWORD", "hunter2")

	path := writeConfig(t, `
database:
  dsn: postgres://file-user@db/autobot
redis:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-user@db/autobot", cfg.Database.DSN)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled) // env addr implies enabled
	assert.Equal(t, "hunter2", cfg.Redis.Password)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "engine:\n  stale_after: fortnight\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_RejectsBadEngineValues(t *testing.T) {
	path := writeConfig(t, "engine:\n  target_population: 0\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_population")
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Engine, cfg.Engine)
}

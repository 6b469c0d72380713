package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(&cfg))
	assert.Equal(t, 180, cfg.Engine.InactivitySeconds)
	assert.Equal(t, 60, cfg.Engine.WarningSeconds)
	assert.Equal(t, 2, cfg.Engine.BlockRounds)
	assert.Equal(t, time.Second, cfg.Engine.Tick)
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Redis.Addr, cfg.Redis.Addr)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
log:
  level: debug
redis:
  addr: redis:6379
engine:
  inactivity_seconds: 300
  warning_seconds: 30
  sweep_interval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 300, cfg.Engine.InactivitySeconds)
	assert.Equal(t, 30, cfg.Engine.WarningSeconds)
	assert.Equal(t, 10*time.Second, cfg.Engine.SweepInterval)
	// untouched sections keep their defaults
	assert.Equal(t, Default().NATS.URL, cfg.NATS.URL)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"REDIS_ADDR":         "cache:6379",
		"INACTIVITY_SECONDS": "90",
		"BLOCK_ROUNDS":       "3",
		"READ_TIMEOUT":       "3s",
		"RUN_MIGRATIONS":     "false",
		"LOG_PRETTY":         "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, applyEnv(&cfg, lookup))
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, 90, cfg.Engine.InactivitySeconds)
	assert.Equal(t, 3, cfg.Engine.BlockRounds)
	assert.Equal(t, 3*time.Second, cfg.Gateway.ReadTimeout)
	assert.False(t, cfg.Engine.RunMigrations)
	assert.True(t, cfg.Log.Pretty)
}

func TestApplyEnv_BadNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "WARNING_SECONDS" {
			return "sixty", true
		}
		return "", false
	}
	cfg := Default()
	assert.Error(t, applyEnv(&cfg, lookup))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }},
		{"window too small", func(c *Config) { c.Engine.InactivitySeconds = 2 }},
		{"warning not below window", func(c *Config) { c.Engine.WarningSeconds = c.Engine.InactivitySeconds }},
		{"no redis", func(c *Config) { c.Redis.Addr = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "chatty" }},
		{"negative rounds", func(c *Config) { c.Engine.BlockRounds = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(&cfg))
		})
	}
}

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = tmpfile.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "127.0.0.1"

database:
  host: "testdb"
  port: 5432
  user: "testuser"
  password: "testpass"
  dbname: "testdb"

lifecycle:
  maxAttempts: 5
  backoff: ["1m", "2m"]

sweeper:
  staleAfter: "2m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "testdb", cfg.Database.Host)
	assert.Equal(t, 5, cfg.Lifecycle.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, cfg.Lifecycle.Backoff)
	assert.Equal(t, 2*time.Minute, cfg.Sweeper.StaleAfter)

	// untouched sections keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Sweeper.RetryInterval)
	assert.Equal(t, "table", cfg.Lifecycle.BackoffMode)
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("ENCODEJOBS_DATABASE_HOST", "envdb")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "envdb", cfg.Database.Host)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Lifecycle.MaxAttempts)
	assert.Equal(t, []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute}, cfg.Lifecycle.Backoff)
	assert.False(t, cfg.Lifecycle.SingleActivePerVideo)
	assert.Equal(t, 15*time.Minute, cfg.Sweeper.StaleAfter)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max attempts", func(c *Config) { c.Lifecycle.MaxAttempts = 0 }},
		{"empty backoff table", func(c *Config) { c.Lifecycle.Backoff = nil }},
		{"negative backoff entry", func(c *Config) { c.Lifecycle.Backoff = []time.Duration{-time.Second} }},
		{"unknown backoff mode", func(c *Config) { c.Lifecycle.BackoffMode = "fibonacci" }},
		{"bad exponential", func(c *Config) {
			c.Lifecycle.BackoffMode = "exponential"
			c.Lifecycle.BackoffMultiplier = 0.5
		}},
		{"zero retry interval", func(c *Config) { c.Sweeper.RetryInterval = 0 }},
		{"zero stale after", func(c *Config) { c.Sweeper.StaleAfter = 0 }},
		{"zero batch", func(c *Config) { c.Sweeper.BatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	require.Equal(t, DefaultDBPath, cfg.Database.Path)
	require.True(t, cfg.Database.WALMode)
	require.Equal(t, 1, cfg.Database.MaxOpenConns)

	require.Equal(t, 60*time.Second, cfg.Engine.PollInterval)
	require.Equal(t, 4, cfg.Engine.Workers)
	require.Equal(t, 3, cfg.Engine.MaxRetry)
	require.Equal(t, "fixed", cfg.Engine.RetryBackoff)

	require.Equal(t, 10, cfg.Retention.HistoryKeep)
	require.Equal(t, 30*24*time.Hour, cfg.Retention.TaskTTL)

	require.NoError(t, Validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskpilot.yaml")

	content := `
database:
  path: /tmp/tp-test.db
engine:
  poll_interval: 10s
  workers: 2
  retry_backoff: exponential
retention:
  history_keep: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, "/tmp/tp-test.db", cfg.Database.Path)
	require.Equal(t, 10*time.Second, cfg.Engine.PollInterval)
	require.Equal(t, 2, cfg.Engine.Workers)
	require.Equal(t, "exponential", cfg.Engine.RetryBackoff)
	require.Equal(t, 5, cfg.Retention.HistoryKeep)

	// Untouched sections keep defaults.
	require.Equal(t, DefaultMaxRetry, cfg.Engine.MaxRetry)
	require.Equal(t, DefaultLogLevel, cfg.Logging.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadWithDefaults()
	require.NoError(t, err)
	require.Equal(t, DefaultDBPath, cfg.Database.Path)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty db path", func(c *Config) { c.Database.Path = " " }, "database.path"},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }, "engine.workers"},
		{"sub-second poll", func(c *Config) { c.Engine.PollInterval = 100 * time.Millisecond }, "engine.poll_interval"},
		{"unknown backoff", func(c *Config) { c.Engine.RetryBackoff = "random" }, "engine.retry_backoff"},
		{"negative retry budget", func(c *Config) { c.Engine.MaxRetry = -1 }, "engine.max_retry"},
		{"zero history keep", func(c *Config) { c.Retention.HistoryKeep = 0 }, "retention.history_keep"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)

			found := false
			for _, ve := range verrs {
				if ve.Field == tt.field {
					found = true
				}
			}
			require.True(t, found, "expected a validation error for %s, got %v", tt.field, verrs)
		})
	}
}

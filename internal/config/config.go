// Package config provides configuration management for taskpilot.
package config

import (
	"time"
)

// Config is the root configuration structure for taskpilot.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string `mapstructure:"path"`

	// Enable WAL mode (recommended)
	WALMode bool `mapstructure:"wal_mode"`

	// Busy timeout for contended writes
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// Cache size in KB (negative for KB, positive for pages)
	CacheSize int `mapstructure:"cache_size"`

	// Maximum open connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// Maximum idle connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`
}

// EngineConfig holds the scheduling engine settings.
type EngineConfig struct {
	// PollInterval is how often the due-task poller scans for work
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Workers bounds concurrent task dispatches per cycle
	Workers int `mapstructure:"workers"`

	// ExecutorTimeout bounds a single executor invocation
	ExecutorTimeout time.Duration `mapstructure:"executor_timeout"`

	// MaxRetry is the default per-cycle retry budget for a task
	MaxRetry int `mapstructure:"max_retry"`

	// RetryBackoff selects the retry delay strategy ("fixed" or "exponential")
	RetryBackoff string `mapstructure:"retry_backoff"`

	// RetryDelay is the fixed delay (or exponential base) between retries
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// RetryMaxDelay caps exponential backoff
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`

	// StaleAfter is how far past its trigger a task may be before it is
	// treated as missed (engine was offline) instead of merely late
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// RetentionConfig holds cleanup settings.
type RetentionConfig struct {
	// HistoryKeep is the number of history records kept per task
	HistoryKeep int `mapstructure:"history_keep"`

	// TaskTTL is how long terminal-state tasks are kept before the
	// retention sweep removes them
	TaskTTL time.Duration `mapstructure:"task_ttl"`

	// SweepInterval is how often the retention sweep runs
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is "console" or "json"
	Format string `mapstructure:"format"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	// Enabled turns on the metrics endpoint
	Enabled bool `mapstructure:"enabled"`

	// Addr is the listen address for the metrics endpoint
	Addr string `mapstructure:"addr"`
}

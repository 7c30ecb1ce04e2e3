package config

import "time"

// Default configuration values.
const (
	// Database defaults.
	DefaultDBPath       = "taskpilot.db"
	DefaultCacheSize    = -64000 // 64MB
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 1 // SQLite works best with a single writer
	DefaultMaxIdleConns = 1

	// Engine defaults. Minute-level precision suffices for user-facing
	// reminders, so the poller runs well below per-task granularity.
	DefaultPollInterval    = 60 * time.Second
	DefaultWorkers         = 4
	DefaultExecutorTimeout = 30 * time.Second
	DefaultMaxRetry        = 3
	DefaultRetryBackoff    = "fixed"
	DefaultRetryDelay      = 2 * time.Minute
	DefaultRetryMaxDelay   = 30 * time.Minute
	DefaultStaleAfter      = 30 * time.Minute

	// Retention defaults.
	DefaultHistoryKeep   = 10
	DefaultTaskTTL       = 30 * 24 * time.Hour
	DefaultSweepInterval = time.Hour

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"

	// Metrics defaults.
	DefaultMetricsAddr = "localhost:9109"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         DefaultDBPath,
			WALMode:      true,
			BusyTimeout:  DefaultBusyTimeout,
			CacheSize:    DefaultCacheSize,
			MaxOpenConns: DefaultMaxOpenConns,
			MaxIdleConns: DefaultMaxIdleConns,
		},
		Engine: EngineConfig{
			PollInterval:    DefaultPollInterval,
			Workers:         DefaultWorkers,
			ExecutorTimeout: DefaultExecutorTimeout,
			MaxRetry:        DefaultMaxRetry,
			RetryBackoff:    DefaultRetryBackoff,
			RetryDelay:      DefaultRetryDelay,
			RetryMaxDelay:   DefaultRetryMaxDelay,
			StaleAfter:      DefaultStaleAfter,
		},
		Retention: RetentionConfig{
			HistoryKeep:   DefaultHistoryKeep,
			TaskTTL:       DefaultTaskTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    DefaultMetricsAddr,
		},
	}
}

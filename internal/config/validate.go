package config

import (
	"fmt"
	"strings"
	"time"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateDatabase(&cfg.Database)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateRetention(&cfg.Retention)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDatabase(cfg *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if strings.TrimSpace(cfg.Path) == "" {
		errs = append(errs, ValidationError{
			Field:   "database.path",
			Message: "must not be empty",
		})
	}

	if cfg.BusyTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "database.busy_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxOpenConns < 1 {
		errs = append(errs, ValidationError{
			Field:   "database.max_open_conns",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateEngine(cfg *EngineConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.PollInterval < time.Second {
		errs = append(errs, ValidationError{
			Field:   "engine.poll_interval",
			Message: "must be at least 1s",
		})
	}

	if cfg.Workers < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.workers",
			Message: "must be at least 1",
		})
	}

	if cfg.ExecutorTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.executor_timeout",
			Message: "must be positive",
		})
	}

	if cfg.MaxRetry < 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.max_retry",
			Message: "must be non-negative",
		})
	}

	switch cfg.RetryBackoff {
	case "fixed", "exponential":
	default:
		errs = append(errs, ValidationError{
			Field:   "engine.retry_backoff",
			Message: `must be "fixed" or "exponential"`,
		})
	}

	if cfg.RetryDelay <= 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.retry_delay",
			Message: "must be positive",
		})
	}

	if cfg.RetryMaxDelay < cfg.RetryDelay {
		errs = append(errs, ValidationError{
			Field:   "engine.retry_max_delay",
			Message: "must be at least retry_delay",
		})
	}

	if cfg.StaleAfter < cfg.PollInterval {
		errs = append(errs, ValidationError{
			Field:   "engine.stale_after",
			Message: "must be at least poll_interval",
		})
	}

	return errs
}

func validateRetention(cfg *RetentionConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.HistoryKeep < 1 {
		errs = append(errs, ValidationError{
			Field:   "retention.history_keep",
			Message: "must be at least 1",
		})
	}

	if cfg.TaskTTL <= 0 {
		errs = append(errs, ValidationError{
			Field:   "retention.task_ttl",
			Message: "must be positive",
		})
	}

	if cfg.SweepInterval < time.Minute {
		errs = append(errs, ValidationError{
			Field:   "retention.sweep_interval",
			Message: "must be at least 1m",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: trace, debug, info, warn, error",
		})
	}

	switch cfg.Format {
	case "console", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: `must be "console" or "json"`,
		})
	}

	return errs
}

package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"taskpilot/internal/config"
	"taskpilot/internal/database"
	"taskpilot/internal/engine"
	"taskpilot/internal/metrics"
	"taskpilot/internal/task"
)

var (
	runDBPath       string
	runPollInterval time.Duration
	runWorkers      int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the task engine",
	Long: `Start the Taskpilot engine.

The engine will:
  - Open (and migrate) the SQLite task database
  - Re-arm any tasks left mid-execution by a previous run
  - Poll for due tasks and execute them on a bounded worker pool
  - Sweep expired terminal tasks and old history periodically`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringVar(&runDBPath, "db", "", "Path to the task database")
	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", 0, "Due-task poll interval")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Executor worker count")

	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("db") {
		cfg.Database.Path = runDBPath
	}
	if cmd.Flags().Changed("poll-interval") {
		cfg.Engine.PollInterval = runPollInterval
	}
	if cmd.Flags().Changed("workers") {
		cfg.Engine.Workers = runWorkers
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	applyLogging(&cfg.Logging)

	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	eng := engine.New(cfg, db, deliveryExecutor())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics.Addr)
	}

	log.Info().
		Str("db", cfg.Database.Path).
		Dur("poll_interval", cfg.Engine.PollInterval).
		Int("workers", cfg.Engine.Workers).
		Msg("Taskpilot running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutdown signal received")
	cancel()
	eng.Stop()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromFile(cfgFile)
	}
	// A missing config file is fine; Load falls back to defaults. Any
	// error here is a real parse or validation failure.
	return config.LoadWithDefaults()
}

// applyLogging replaces the baseline logger with the configured one. The
// --verbose flag wins over the configured level.
func applyLogging(cfg *config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return srv
}

// deliveryExecutor is the built-in executor: it logs the delivery. Hosts
// embedding the engine wire their own Executor through engine.New instead.
func deliveryExecutor() engine.Executor {
	return engine.ExecutorFunc(func(ctx context.Context, t *task.Task) (engine.Result, error) {
		start := time.Now()
		log.Info().
			Int64("task_id", t.ID).
			Int64("user_id", t.UserID).
			Str("intent", string(t.Intent)).
			Str("message", t.Message).
			Msg("Delivering task")
		return engine.Result{
			Success:  true,
			Output:   "delivered",
			Duration: time.Since(start),
		}, nil
	})
}

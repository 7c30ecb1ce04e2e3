package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "A persistent scheduled task engine",
	Long: `Taskpilot schedules and executes recurring and one-shot tasks:

  - Recurrence rules: once, daily, weekly, weekdays, monthly, or a cron expression
  - Durable SQLite storage, tasks survive restarts
  - Atomic claims so each due task fires exactly once per occurrence
  - Bounded retry with fixed or exponential backoff
  - Per-task execution history with automatic retention

Start the engine:
  taskpilot run`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./taskpilot.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// setupLogging configures a baseline console logger before a config file has
// been read; run applies the configured level and format on top.
func setupLogging() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Version returns the version string.
func Version() string {
	return fmt.Sprintf("taskpilot version %s", "0.1.0-dev")
}

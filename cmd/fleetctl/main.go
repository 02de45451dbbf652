// Command fleetctl is the field agent: it queues fleet mutations locally and
// replays them against the API when connectivity allows.
package main

import (
	"fmt"
	"os"

	"fleetsync/internal/config"
	"fleetsync/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	apiURL    string
	dbPath    string
	logLevel  string
	logFormat string

	logger    *zap.Logger
	agentConf config.AgentConfig
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Offline-first field agent for the fleet API",
	Long: `fleetctl records inspections, mileage, workshop comments, timesheets and
absence requests into a local queue and replays them against the fleet API.

Writes never need the network: enqueue always succeeds locally, and the queue
drains in order once the API is reachable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
		agentConf = config.LoadAgent()
		if apiURL != "" {
			agentConf.APIURL = apiURL
		}
		if dbPath != "" {
			agentConf.DBPath = dbPath
		}
		if logLevel != "" {
			agentConf.LogLevel = logLevel
		}
		if logFormat != "" {
			agentConf.LogFormat = logFormat
		}
		built, err := logging.New(agentConf.LogLevel, agentConf.LogFormat)
		if err != nil {
			return err
		}
		logger = built
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (default $FLEETCTL_API)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "local queue database (default $FLEETCTL_DB)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default $LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "json or console (default $LOG_FORMAT)")

	rootCmd.AddCommand(enqueueCmd, statusCmd, drainCmd, failedCmd, retryCmd, discardCmd)
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, viewAsCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

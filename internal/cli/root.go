package cli

import (
	"fmt"
	"os"

	"github.com/amine-amaach/uasc/internal/config"
	"github.com/amine-amaach/uasc/internal/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "uasc",
	Short: "OPC UA secure conversation endpoint and client tools",
	Long: `uasc runs an OPC UA TCP endpoint that opens secure channels, and probes
remote endpoints by opening a secure channel and calling GetEndpoints.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd(), probeCmd(), gencertCmd())
}

// Run executes the command line and exits on failure.
func Run() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, log.Colorize(err.Error(), log.Red))
		os.Exit(1)
	}
}

// setup loads the configs and builds the logger they describe.
func setup() (config.Cfg, *zap.SugaredLogger, error) {
	bootstrap := log.NewLogger("info", "TEXT", false)
	cfg, err := config.GetConfigs(bootstrap)
	if err != nil {
		return cfg, bootstrap, err
	}
	logger := log.NewLogger(
		cfg.LoggerConfig.Level,
		cfg.LoggerConfig.Format,
		cfg.LoggerConfig.DisableTimestamp,
	)
	return cfg, logger, nil
}

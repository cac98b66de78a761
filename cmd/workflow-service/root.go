package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/matthewmarion/workflow-service/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "workflow-service",
	Short: "Runs jobs as workflows on an external execution engine",
	Long: `workflow-service accepts job assignments over HTTP, starts a workflow
execution for each one and keeps the job assignments in step with their
executions through a self-throttling reconciliation loop.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./workflow-service.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, reconcileCmd, workflowsCmd)
}

// loadConfig reads the configuration and installs the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	loader := config.NewLoader().WithConfigFile(cfgFile)
	if err := loader.Viper().BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		return nil, nil, fmt.Errorf("binding flags: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// Command zengateway runs the Zen metered LLM gateway.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"zengateway/config"
	"zengateway/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "zengateway",
	Short: "Metered LLM reverse-proxy gateway",
	Long:  "Zen gateway: authenticates callers, routes to upstream LLM providers, converts wire formats and bills usage.",
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: config/config.yaml or config.yaml; ZEN_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration and installs the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(os.Stdout, logging.Options{Format: cfg.Log.Format, Level: cfg.Log.Level})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, nil
}

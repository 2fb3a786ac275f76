// Package cmd provides the CLI commands for the LiteLLM WebSocket client.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cykonova/litellm/internal/config"
	"github.com/cykonova/litellm/internal/logging"
)

var (
	// Global flags
	serverURL  string
	apiKey     string
	configPath string
	debug      bool
	logLevel   string
	logFile    string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "litellm-ws",
	Short: "litellm-ws - chat completions over a persistent WebSocket",
	Long: `litellm-ws talks to a LiteLLM proxy over its WebSocket endpoint.

All requests share one persistent connection; streaming responses are
printed as they arrive.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > config > default (info)
		if configPath != "" {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration from %s: %w", configPath, err)
			}
		} else {
			cfg = config.Default()
		}

		effectiveLogLevel := cfg.Logging.Level
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		effectiveLogFile := cfg.Logging.File
		if logFile != "" {
			effectiveLogFile = logFile
		}
		logCfg := logging.Config{
			Level: effectiveLogLevel,
			JSON:  cfg.Logging.JSON,
		}
		if effectiveLogFile != "" {
			logCfg.File = &logging.FileConfig{
				Path:       effectiveLogFile,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			}
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}

		// Flags override the config file.
		if serverURL != "" {
			cfg.ServerURL = serverURL
		}
		if apiKey != "" {
			cfg.APIKey = apiKey
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "WebSocket endpoint URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "API key for bearer authentication")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file")
}

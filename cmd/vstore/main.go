package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/vstore/cmd/vstore/commands"
	"github.com/systmms/vstore/internal/config"
	"github.com/systmms/vstore/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
		logFormat  string
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "vstore",
		Short: "Versioned secret store for AWS, GCP and Azure semantics",
		Long: `vstore keeps versioned secrets in Postgres (or in memory) and exposes
them with the semantics of AWS Secrets Manager, GCP Secret Manager and
Azure Key Vault.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg.Path = configFile
			cfg.Logger = logging.NewWithOptions(logging.Options{
				Debug:   debug,
				NoColor: noColor,
				Format:  logFormat,
			})
			if err := cfg.Load(); err != nil {
				return err
			}

			// Flags win over vstore.yaml and the environment.
			logCfg := cfg.Definition.Logging
			if !cmd.Flags().Changed("log-format") && logCfg.Format != "" {
				logFormat = logCfg.Format
			}
			cfg.Logger = logging.NewWithOptions(logging.Options{
				Debug:   debug || logCfg.Debug,
				NoColor: noColor,
				Format:  logFormat,
			})
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console or json)")

	rootCmd.AddCommand(
		commands.NewBackendCommand(cfg),
		commands.NewSchemaCommand(cfg),
		commands.NewAWSCommand(cfg),
		commands.NewGCPCommand(cfg),
		commands.NewAzureCommand(cfg),
	)

	return rootCmd.Execute()
}

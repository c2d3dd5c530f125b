package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/stackup/cmd/stackup/commands"
	"github.com/systmms/stackup/internal/logging"
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
	// Global flags
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
	)

	globals := &commands.Globals{}

	rootCmd := &cobra.Command{
		Use:   "stackup",
		Short: "Single-host deployment orchestrator for the API server stack",
		Long: `stackup provisions an API server together with its relational store and
cache on one host: it generates or reuses credentials, configures the
dependent services, sequences startup, and reports the final credential set.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize logger with parsed flags
			logger := logging.New(debug, noColor)

			globals.ConfigPath = configFile
			globals.Logger = logger
			globals.NonInteractive = nonInteractive
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/stackup/stackup.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")

	rootCmd.AddCommand(
		commands.NewInstallCommand(globals),
		commands.NewStatusCommand(globals),
		commands.NewCredentialsCommand(globals),
		commands.NewCompletionCommand(globals),
	)

	return rootCmd.Execute()
}

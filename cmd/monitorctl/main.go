// Package main provides monitorctl, the debugging CLI for the monitor's
// local artifacts: the JSON-lines event log and the SQLite event store.
//
// # Basic Usage
//
// Follow an event log:
//
//	monitorctl events tail --follow ./weather-agent_monitoring_20250101_120000.json
//
// Check the store schema:
//
//	monitorctl db verify
//	monitorctl db update
//
// Reset the store (a timestamped backup is written next to the file):
//
//	monitorctl db reset --force
//
// Print the configuration JSON schema:
//
//	monitorctl schema
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "monitorctl",
		Short:        "Inspect the monitor's event log and store",
		Version:      version + " (commit: " + commit + ", built: " + date + ")",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildEventsCmd(),
		buildDBCmd(),
		buildSchemaCmd(),
	)

	return rootCmd
}

// Package main provides the CLI entry point for the Pulse relay.
//
// Pulse is the realtime backbone for the StudyLoop tutoring platform: a
// websocket relay that carries chat messages, delivery receipts, call
// signaling and presence between students and tutors.
//
// # Basic Usage
//
// Start the relay:
//
//	pulse serve --config pulse.yaml
//
// Check relay status:
//
//	pulse status
//	pulse status --connections
//
// Mint a development token:
//
//	pulse mint-token --identity alice --role tutor
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// main is the entry point for the Pulse CLI.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "Pulse - realtime relay for the StudyLoop platform",
		Long: `Pulse routes chat, receipts, call signaling and presence between
connected students and tutors over a single websocket per client.

Run "pulse serve" to start the relay, "pulse status" to inspect a
running instance.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildMintTokenCmd(),
	)

	return rootCmd
}

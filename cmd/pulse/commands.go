package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the relay.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Pulse relay",
		Long: `Start the Pulse relay with the configured listener, store and
notification preferences.

The relay will:
1. Load configuration from the specified file (built-in defaults when omitted)
2. Open the offline-queue and preference store
3. Start the websocket listener and status endpoints
4. Start the background janitor sweeps

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with built-in defaults
  pulse serve

  # Start with custom config
  pulse serve --config /etc/pulse/production.yaml

  # Start with debug logging
  pulse serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Status Command
// =============================================================================

// buildStatusCmd creates the "status" command that queries a running relay.
func buildStatusCmd() *cobra.Command {
	var (
		baseURL     string
		connections bool
		available   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long: `Query a running relay's status endpoints.

Without flags a summary is printed (uptime, active connections, active
calls). --connections lists the connected sessions, --available lists
tutors currently accepting help requests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, baseURL, connections, available)
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8443", "Relay base URL")
	cmd.Flags().BoolVar(&connections, "connections", false, "List connected sessions")
	cmd.Flags().BoolVar(&available, "available", false, "List available tutors")

	return cmd
}

// =============================================================================
// Mint-Token Command
// =============================================================================

// buildMintTokenCmd creates the "mint-token" command for development
// setups that run with a shared JWT secret.
func buildMintTokenCmd() *cobra.Command {
	var (
		configPath string
		identity   string
		role       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a client JWT for development",
		Example: `  pulse mint-token --config pulse.yaml --identity alice --role tutor
  pulse mint-token --config pulse.yaml --identity bob --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMintToken(cmd, configPath, identity, role, ttl)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&identity, "identity", "", "Subject identity for the token (required)")
	cmd.Flags().StringVar(&role, "role", "student", "Role claim (student or tutor)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("identity")

	return cmd
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/studyloop/pulse/internal/auth"
	"github.com/studyloop/pulse/internal/calls"
	"github.com/studyloop/pulse/internal/config"
	"github.com/studyloop/pulse/internal/gateway"
	"github.com/studyloop/pulse/internal/notify"
	"github.com/studyloop/pulse/internal/observability"
	"github.com/studyloop/pulse/internal/presence"
	"github.com/studyloop/pulse/internal/registry"
	"github.com/studyloop/pulse/internal/store"
	"github.com/studyloop/pulse/pkg/models"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// loadConfig returns built-in defaults when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runServe implements the serve command logic: configuration loading,
// dependency wiring and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting pulse relay",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	stores, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Notifications.PreferencesFile != "" {
		prefFile := notify.NewPreferenceFile(cfg.Notifications.PreferencesFile, stores.Preferences, logger)
		if err := prefFile.Load(ctx); err != nil {
			return fmt.Errorf("failed to load notification preferences: %w", err)
		}
		if err := prefFile.Watch(ctx); err != nil {
			logger.Warn("preference hot-reload unavailable", "error", err)
		}
		defer func() {
			if err := prefFile.Close(); err != nil {
				logger.Warn("preference watcher close failed", "error", err)
			}
		}()
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.Insecure {
		logger.Warn("running with insecure token verification")
		verifier = auth.InsecureVerifier{}
	} else {
		verifier, err = auth.NewJWTVerifier(auth.JWTConfig{
			Secret:    cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ClockSkew: cfg.Auth.ClockSkew,
		})
		if err != nil {
			return fmt.Errorf("failed to build token verifier: %w", err)
		}
	}

	reg := registry.New()
	broadcaster := presence.New(logger)
	callSvc := calls.NewService(reg, logger, metrics, tracer, calls.Config{
		RingTimeout: cfg.Calls.RingTimeout,
	})
	dispatcher := notify.NewDispatcher(stores.Preferences, logger, metrics, notify.Config{
		DedupeTTL: cfg.Notifications.DedupTTL,
	})

	server, err := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
		Verifier: verifier,
		Registry: reg,
		Calls:    callSvc,
		Presence: broadcaster,
		Notify:   dispatcher,
		Gatherer: promReg,
		Push: func(n *models.Notification) {
			// Push transports are out of scope for the relay; the sink
			// logs what would have been sent.
			logger.Info("notification emitted",
				"target", n.Target,
				"type", n.Type,
				"title", n.Title,
			)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	logger.Info("pulse relay started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"store", cfg.Store.Driver,
	)

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("pulse relay stopped")
	return nil
}

// =============================================================================
// Status Command Handler
// =============================================================================

func runStatus(cmd *cobra.Command, baseURL string, connections, available bool) error {
	client := newAPIClient(baseURL)
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if connections {
		var resp connectionsResponse
		if err := client.getJSON(ctx, "/status/connections", &resp); err != nil {
			return err
		}
		if len(resp.Connections) == 0 {
			cmd.Println("no active connections")
			return nil
		}
		for _, conn := range resp.Connections {
			cmd.Printf("%-20s %-8s session=%s connected=%s last_active=%s\n",
				conn.Identity,
				conn.Role,
				conn.SessionID,
				conn.ConnectedAt.Format(time.RFC3339),
				conn.LastActiveAt.Format(time.RFC3339),
			)
		}
		return nil
	}

	if available {
		var resp availableResponse
		if err := client.getJSON(ctx, "/status/available", &resp); err != nil {
			return err
		}
		if len(resp.Available) == 0 {
			cmd.Println("no tutors available")
			return nil
		}
		for _, identity := range resp.Available {
			cmd.Println(identity)
		}
		return nil
	}

	var summary gateway.StatusSummary
	if err := client.getJSON(ctx, "/status", &summary); err != nil {
		return err
	}
	cmd.Printf("uptime:             %s\n", (time.Duration(summary.UptimeSeconds) * time.Second).String())
	cmd.Printf("active connections: %d\n", summary.ActiveConnections)
	cmd.Printf("active calls:       %d\n", summary.ActiveCalls)
	cmd.Printf("online subscribers: %d\n", summary.OnlineSubscribers)
	return nil
}

// =============================================================================
// Mint-Token Command Handler
// =============================================================================

func runMintToken(cmd *cobra.Command, configPath, identity, role string, ttl time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; nothing to sign with")
	}

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:    cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: cfg.Auth.ClockSkew,
	})
	if err != nil {
		return fmt.Errorf("failed to build signer: %w", err)
	}

	token, err := verifier.Mint(identity, role, ttl)
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}
	cmd.Println(token)
	return nil
}

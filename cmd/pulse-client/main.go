// pulse-client is a headless Pulse client for development and soak
// testing. It connects to a relay, announces presence, optionally
// auto-accepts incoming calls, and logs everything it receives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/studyloop/pulse/internal/client"
	"github.com/studyloop/pulse/internal/config"
	"github.com/studyloop/pulse/internal/store"
	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

var version = "dev"

func main() {
	// Parse flags
	url := flag.String("url", "ws://127.0.0.1:8443/ws", "Relay websocket URL")
	identity := flag.String("identity", "", "Client identity (required)")
	token := flag.String("token", "", "Auth token (required)")
	status := flag.String("status", "online", "Initial presence status")
	watch := flag.String("watch", "", "Comma-separated identities to watch for presence")
	acceptCalls := flag.Bool("accept-calls", false, "Auto-accept incoming calls")
	markRead := flag.Bool("mark-read", false, "Send read receipts for received messages")
	verbose := flag.Bool("v", false, "Verbose logging")
	ackTimeout, retryCap, reorderDepth := deliveryFlags(flag.CommandLine)
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Validate required flags
	if *identity == "" {
		logger.Error("--identity is required")
		flag.Usage()
		os.Exit(1)
	}
	if *token == "" {
		logger.Error("--token is required")
		flag.Usage()
		os.Exit(1)
	}
	initialStatus := models.PresenceStatus(*status)
	if !initialStatus.Valid() {
		logger.Error("invalid presence status", "status", *status)
		os.Exit(1)
	}

	c, err := client.New(client.Config{
		URL:      *url,
		Identity: *identity,
		Token:    *token,
		Info: wire.ClientInfo{
			Name:    "pulse-client",
			Version: version,
		},
		AckTimeout: *ackTimeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build client", "error", err)
		os.Exit(1)
	}

	stores := store.NewMemoryStores()
	outbox := client.NewOutbox(c, stores.Offline, client.OutboxConfig{
		RetryCap: *retryCap,
		OnStatus: func(msg models.Message) {
			logger.Info("message status",
				"message_id", msg.ID,
				"thread", msg.ThreadID,
				"status", msg.Status,
			)
		},
	})
	defer outbox.Close()

	// The inbox and call controller are referenced from their own
	// handlers, so both are declared before the handlers that close over
	// them.
	var inbox *client.Inbox
	inbox = client.NewInbox(c, client.InboxConfig{
		ReorderDepth: *reorderDepth,
		OnMessage: func(msg wire.ChatMessage) {
			logger.Info("message received",
				"message_id", msg.MessageID,
				"thread", msg.ThreadID,
				"sender", msg.SenderID,
				"content", msg.Content,
			)
			if !*markRead {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := inbox.MarkRead(ctx, msg.MessageID, msg.ThreadID, msg.SenderID); err != nil {
					logger.Warn("read receipt failed", "message_id", msg.MessageID, "error", err)
				}
			}()
		},
	})

	var callCtl *client.CallController
	callCtl = client.NewCallController(c, client.CallHandlers{
		OnIncoming: func(call wire.CallInitiated) {
			logger.Info("incoming call",
				"call_id", call.CallID,
				"caller", call.CallerID,
				"media", call.Media,
			)
			if !*acceptCalls {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := callCtl.Accept(ctx, call.CallID); err != nil {
					logger.Warn("auto-accept failed", "call_id", call.CallID, "error", err)
				}
			}()
		},
		OnAccepted: func(accepted wire.CallAccepted) {
			logger.Info("call accepted", "call_id", accepted.CallID)
		},
		OnRejected: func(rejected wire.CallRejected) {
			logger.Info("call rejected", "call_id", rejected.CallID, "reason", rejected.Reason)
		},
		OnEnded: func(ended wire.CallEnded) {
			logger.Info("call ended", "call_id", ended.CallID, "reason", ended.Reason)
		},
	})

	presenceCtl := client.NewPresenceController(c, func(update wire.PresenceUpdate) {
		logger.Info("presence update",
			"identity", update.Identity,
			"status", update.Status,
			"custom", update.CustomStatus,
		)
	})

	// Set up context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c.OnConnect(func() {
		logger.Info("connected", "session_id", c.SessionID())
	})

	// Record the desired presence before the run loop connects; the
	// controller replays it on every (re)connect.
	if err := presenceCtl.SetStatus(ctx, initialStatus, ""); err != nil {
		logger.Error("presence setup failed", "error", err)
		os.Exit(1)
	}
	if watched := splitList(*watch); len(watched) > 0 {
		if err := presenceCtl.Subscribe(ctx, watched...); err != nil {
			logger.Error("presence subscription failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("starting pulse-client",
		"identity", *identity,
		"relay", *url,
	)

	if err := c.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("client exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("pulse-client stopped")
}

// deliveryFlags registers the delivery tuning flags. Defaults come from
// the relay's config package so both ends agree without repeating the
// numbers here.
func deliveryFlags(fs *flag.FlagSet) (ackTimeout *time.Duration, retryCap, reorderDepth *int) {
	delivery := config.Default().Delivery
	ackTimeout = fs.Duration("ack-timeout", delivery.AckTimeout, "How long to wait for a correlated ack")
	retryCap = fs.Int("retry-cap", delivery.RetryCap, "Delivery attempts per queued message before it is marked failed")
	reorderDepth = fs.Int("reorder-depth", delivery.ReorderDepth, "Out-of-order messages buffered per sender and thread")
	return ackTimeout, retryCap, reorderDepth
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Package gateway is the relay server: it owns the websocket listener,
// one session per connected client, and the HTTP status surface. All
// collaborators are injected at construction; the server holds no
// process-wide singletons.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studyloop/pulse/internal/auth"
	"github.com/studyloop/pulse/internal/calls"
	"github.com/studyloop/pulse/internal/config"
	"github.com/studyloop/pulse/internal/notify"
	"github.com/studyloop/pulse/internal/observability"
	"github.com/studyloop/pulse/internal/presence"
	"github.com/studyloop/pulse/internal/ratelimit"
	"github.com/studyloop/pulse/internal/registry"
	"github.com/studyloop/pulse/pkg/models"
)

// NotificationSink receives the notifications the dispatcher emits. The
// push layer is an external collaborator; a nil sink drops notifications
// after counting them.
type NotificationSink func(*models.Notification)

// Deps are the server's injected collaborators.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Verifier auth.TokenVerifier
	Registry *registry.Registry
	Calls    *calls.Service
	Presence *presence.Broadcaster
	Notify   *notify.Dispatcher

	// Gatherer serves /metrics. Usually the same prometheus registry
	// Metrics was built on.
	Gatherer prometheus.Gatherer

	// Push receives emitted notifications. Optional.
	Push NotificationSink
}

// Server accepts websocket connections and routes protocol events
// between them.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	verifier auth.TokenVerifier
	registry *registry.Registry
	calls    *calls.Service
	presence *presence.Broadcaster
	notify   *notify.Dispatcher
	push     NotificationSink

	upgrader   websocket.Upgrader
	handshakes *ratelimit.Limiter
	httpSrv    *http.Server
	gatherer   prometheus.Gatherer
	janitor    *janitor
	started    time.Time
}

// NewServer wires the relay from its dependencies. Config, Verifier and
// Registry are required; nil observability collaborators degrade to
// no-ops.
func NewServer(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("gateway: token verifier is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("gateway: session registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	s := &Server{
		cfg:      deps.Config,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		verifier: deps.Verifier,
		registry: deps.Registry,
		calls:    deps.Calls,
		presence: deps.Presence,
		notify:   deps.Notify,
		push:     deps.Push,
		gatherer: deps.Gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		handshakes: ratelimit.NewLimiter(ratelimit.Config{
			PerSecond: deps.Config.Server.HandshakeLimit.PerSecond,
			Burst:     deps.Config.Server.HandshakeLimit.Burst,
		}),
	}
	if deps.Config.Janitor.Enabled {
		j, err := newJanitor(deps.Config.Janitor, deps.Config.Calls, deps.Registry, deps.Calls, logger)
		if err != nil {
			return nil, err
		}
		s.janitor = j
	}
	return s, nil
}

// Start listens on the configured address and serves until ctx is
// cancelled or Stop is called. It blocks.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the relay on an existing listener. Tests use it to bind an
// ephemeral port.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.started = time.Now()
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	if s.janitor != nil {
		s.janitor.start()
	}

	s.logger.Info("relay listening", "addr", lis.Addr().String())
	err := s.httpSrv.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the relay down: no new connections, live sessions closed,
// janitor stopped.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("relay stopping")
	if s.janitor != nil {
		s.janitor.stop()
	}
	for identity, conn := range s.registry.Connections() {
		s.logger.Debug("closing session on shutdown", "identity", identity)
		_ = conn.Close()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/connections", s.handleConnections)
	mux.HandleFunc("/status/available", s.handleAvailable)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.handshakes.Allow(remoteHost(r.RemoteAddr)) {
		s.metrics.ConnectionRejected()
		s.logger.Warn("handshake rate limited", "remote", r.RemoteAddr)
		http.Error(w, "too many handshake attempts", http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	// Blocks for the lifetime of the session; the handler goroutine is
	// the read pump.
	sess := newSession(s, conn)
	sess.run(r.Context())
}

// remoteHost strips the ephemeral port so every connection from one
// host shares one handshake bucket.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// StatusSummary is the /status payload consumed by `pulse status` and
// external monitoring.
type StatusSummary struct {
	UptimeSeconds     int64 `json:"uptime_seconds"`
	ActiveConnections int   `json:"active_connections"`
	ActiveCalls       int   `json:"active_calls"`
	OnlineSubscribers int   `json:"online_subscribers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	summary := StatusSummary{
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		ActiveConnections: s.registry.Len(),
	}
	if s.calls != nil {
		summary.ActiveCalls = s.calls.Len()
	}
	if s.presence != nil {
		summary.OnlineSubscribers = s.presence.Subscribers()
	}
	writeJSON(w, summary)
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.registry.Connections()
	infos := make([]models.ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		if sess, ok := conn.(*session); ok {
			infos = append(infos, sess.info())
		}
	}
	writeJSON(w, map[string]any{"connections": infos})
}

func (s *Server) handleAvailable(w http.ResponseWriter, _ *http.Request) {
	var available []string
	if s.presence != nil {
		available = s.presence.Available()
	}
	if available == nil {
		available = []string{}
	}
	writeJSON(w, map[string]any{"available": available})
}

// emitNotification runs an event through the preference filters and
// hands anything that survives to the push sink, unless the target has
// switched the push channel off.
func (s *Server) emitNotification(ctx context.Context, event notify.Event) {
	if s.notify == nil {
		return
	}
	n, ok := s.notify.Dispatch(ctx, event)
	if !ok {
		return
	}
	if s.push != nil && n.Push {
		s.push(n)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

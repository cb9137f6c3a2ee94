package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/studyloop/pulse/internal/ratelimit"
	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

// errSendBufferFull closes the slow consumer that caused it.
var errSendBufferFull = errors.New("session send buffer full")

// session is one client connection. It implements registry.Conn: the
// registry owns the binding, the session owns the transport.
//
// The read pump is the only goroutine that mutates session state;
// everything other goroutines touch (Send, LastActive, Close) is either
// channel-based or atomic.
type session struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *ratelimit.Bucket

	id          string
	connectedAt time.Time
	lastActive  atomic.Int64

	handshaked atomic.Bool
	identity   string
	role       models.Role
	gen        uint64

	// resume holds the reconnecting client's applied high-water marks,
	// keyed "<senderId>|<threadId>". Written once during the handshake
	// before Register publishes the session; read-only afterwards.
	resume map[string]uint64

	closeOnce sync.Once
}

func newSession(server *Server, conn *websocket.Conn) *session {
	now := time.Now()
	s := &session{
		server: server,
		conn:   conn,
		logger: server.logger,
		send:   make(chan []byte, server.cfg.Server.SendBuffer),
		limiter: ratelimit.NewBucket(ratelimit.Config{
			PerSecond: server.cfg.Server.RateLimit.PerSecond,
			Burst:     server.cfg.Server.RateLimit.Burst,
		}),
		id:          uuid.NewString(),
		connectedAt: now,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// Send enqueues an envelope for delivery without blocking. A full
// buffer means the client stopped draining; the session is closed and
// the registry eviction path runs from the read pump's teardown.
func (s *session) Send(env wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}
	select {
	case s.send <- data:
		s.server.metrics.EventOut(string(env.Event))
		return nil
	default:
		s.server.metrics.SlowClientDrops.Inc()
		s.logger.Warn("closing slow client", "identity", s.identity, "session", s.id)
		s.Close()
		return errSendBufferFull
	}
}

// LastActive reports when the session last read a frame.
func (s *session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Close tears down the transport. Safe from any goroutine, any number
// of times.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
	})
	return nil
}

func (s *session) info() models.ConnectionInfo {
	return models.ConnectionInfo{
		SessionID:    s.id,
		Identity:     s.identity,
		Role:         s.role,
		ConnectedAt:  s.connectedAt,
		LastActiveAt: s.LastActive(),
	}
}

// run drives the session: write pump in the background, read pump in
// the foreground, teardown when either exits.
func (s *session) run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.teardown()
	go s.writePump()
	s.readPump()
}

// teardown runs exactly once, after the read pump returns. The
// stale-close guard in Evict makes the disconnect side effects (offline
// presence, implicit call hangups) fire only when this session is still
// the identity's current connection. A session displaced by a fast
// reconnect skips them: the identity never left.
func (s *session) teardown() {
	_ = s.Close()
	if !s.handshaked.Load() {
		return
	}
	current := s.server.registry.Evict(s.identity, s)
	s.server.metrics.ConnectionClosed(!current)
	if !current {
		s.logger.Debug("session replaced by newer connection", "identity", s.identity, "session", s.id)
		return
	}
	s.logger.Info("client disconnected", "identity", s.identity, "session", s.id)
	if s.server.presence != nil {
		s.server.presence.Detach(s.identity, s.gen)
		s.server.presence.SetDisconnected(s.identity, s.gen)
	}
	if s.server.calls != nil {
		s.server.calls.PeerDisconnected(s.identity)
	}
}

func (s *session) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.Server.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Close()
				return
			}
		}
	}
}

// readPump reads and dispatches frames until the transport fails. The
// first frame must be a hello within the handshake window; after that
// the read deadline tracks the heartbeat contract, so a client that
// stops pinging is reaped without waiting for TCP to notice.
func (s *session) readPump() {
	cfg := s.server.cfg.Server
	s.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))

	liveness := cfg.PingInterval + cfg.PongTimeout

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.lastActive.Store(time.Now().UnixNano())

		if !s.limiter.Allow() {
			s.server.metrics.RecordRelayError(wire.CodeRateLimited)
			s.sendProtocolError(wire.CodeRateLimited, "inbound frame rate exceeded")
			continue
		}

		env, err := wire.Decode(raw)
		if err != nil {
			// Unknown kinds are forward compatibility, not a fault:
			// log, drop, keep the connection.
			if errors.Is(err, wire.ErrUnknownKind) {
				s.logger.Warn("dropping unknown event", "identity", s.identity, "error", err)
				continue
			}
			s.server.metrics.RecordRelayError(wire.CodeBadFrame)
			s.sendProtocolError(wire.CodeBadFrame, err.Error())
			continue
		}
		if err := wire.ValidateInbound(raw, env); err != nil {
			s.server.metrics.RecordRelayError(wire.CodeBadFrame)
			s.nack(env.CorrelationID, wire.CodeBadFrame, err.Error())
			continue
		}
		s.server.metrics.EventIn(string(env.Event))

		if !s.handshaked.Load() {
			if env.Event != wire.KindHello {
				s.sendProtocolError(wire.CodeBadFrame, "first frame must be hello")
				return
			}
			if !s.handleHello(env) {
				return
			}
			_ = s.conn.SetReadDeadline(time.Now().Add(liveness))
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(liveness))

		s.dispatch(env)
	}
}

// handleHello verifies the token, registers the session and answers
// hello_ok. Returning false closes the connection.
func (s *session) handleHello(env *wire.Envelope) bool {
	payload, err := env.DecodePayload()
	if err != nil {
		s.nack(env.CorrelationID, wire.CodeBadFrame, err.Error())
		return false
	}
	hello := payload.(*wire.Hello)

	identity, err := s.server.verifier.Verify(s.ctx, hello.Token, hello.Identity)
	if err != nil {
		s.server.metrics.ConnectionRejected()
		s.logger.Warn("handshake rejected",
			"claimed", hello.Identity,
			"client", hello.Client.Name,
			"error", err)
		s.nack(env.CorrelationID, wire.CodeUnauthorized, "token verification failed")
		return false
	}

	s.identity = identity.Subject
	s.role = models.Role(identity.Role)
	if hello.Resume != nil && len(hello.Resume.LastSeq) > 0 {
		s.resume = hello.Resume.LastSeq
	}

	_, gen := s.server.registry.Register(s.identity, s)
	s.gen = gen
	s.handshaked.Store(true)
	s.server.metrics.ConnectionOpened()

	if s.server.presence != nil {
		s.server.presence.Attach(s.identity, s.presenceSink, gen)
		s.server.presence.SetConnected(s.identity, gen)
	}

	s.logger.Info("client connected",
		"identity", s.identity,
		"session", s.id,
		"client", hello.Client.Name,
		"version", hello.Client.Version,
		"generation", gen)

	ok, err := wire.NewEnvelope(wire.KindHelloOK, env.CorrelationID, wire.HelloOK{
		SessionID:      s.id,
		ServerTime:     time.Now(),
		PingIntervalMS: s.server.cfg.Server.PingInterval.Milliseconds(),
		PongTimeoutMS:  s.server.cfg.Server.PongTimeout.Milliseconds(),
	})
	if err != nil {
		return false
	}
	return s.Send(ok) == nil
}

// presenceSink delivers one presence event into this session's send
// buffer. Called while the broadcaster holds its lock, so it must not
// block; the buffered channel provides the asynchrony.
func (s *session) presenceSink(event models.PresenceEvent) {
	env, err := wire.NewEnvelope(wire.KindPresenceUpdate, "", wire.PresenceUpdate{
		Identity:     event.Identity,
		Status:       event.Status,
		CustomStatus: event.CustomStatus,
		Timestamp:    event.Timestamp,
	})
	if err != nil {
		return
	}
	s.server.metrics.PresenceEvents.Inc()
	_ = s.Send(env)
}

// ack answers a correlated request. Fire-and-forget frames carry no
// correlation id and get no ack.
func (s *session) ack(correlationID string, mutate func(*wire.Ack)) {
	if correlationID == "" {
		return
	}
	ack := wire.Ack{OK: true}
	if mutate != nil {
		mutate(&ack)
	}
	env, err := wire.NewEnvelope(wire.KindAck, correlationID, ack)
	if err != nil {
		return
	}
	_ = s.Send(env)
}

func (s *session) nack(correlationID, code, message string) {
	s.server.metrics.RecordRelayError(code)
	if correlationID == "" {
		s.sendProtocolError(code, message)
		return
	}
	env, err := wire.NewEnvelope(wire.KindAck, correlationID, wire.Ack{
		OK:      false,
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	_ = s.Send(env)
}

func (s *session) sendProtocolError(code, message string) {
	env, err := wire.NewEnvelope(wire.KindError, "", wire.ProtocolError{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	_ = s.Send(env)
}

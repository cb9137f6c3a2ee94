package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/pulse/internal/backoff"
	"github.com/studyloop/pulse/pkg/wire"
)

// State is the connection manager's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config configures a Client. URL, Identity and Token are required.
type Config struct {
	// URL is the relay websocket endpoint, e.g. "ws://host:8443/ws".
	URL      string
	Identity string
	Token    string
	// Info identifies this program in the handshake.
	Info wire.ClientInfo

	// Dialer opens transports. Nil means a WebsocketDialer with defaults.
	Dialer Dialer
	Logger *slog.Logger

	// Backoff shapes the reconnect delays. Zero value means
	// backoff.DefaultPolicy.
	Backoff backoff.Policy
	// AttemptCap bounds consecutive failed reconnects before the client
	// goes terminally disconnected. Zero means unbounded.
	AttemptCap int

	// PingInterval and PongTimeout define the heartbeat contract. The
	// relay's hello_ok values, when present, override both.
	PingInterval time.Duration
	PongTimeout  time.Duration
	// AckTimeout bounds each correlated request.
	AckTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.DefaultPolicy()
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// Client maintains one authenticated connection to the relay, reconnecting
// with jittered exponential backoff when it drops. Inbound frames fan out
// through the dispatcher; correlated requests await their ack.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *dispatcher

	mu        sync.Mutex
	transport Transport
	state     State
	sessionID string
	onConnect []func()
	resume    func() *wire.Resume

	lastPong atomic.Int64

	states chan State
	closed atomic.Bool
	cancel context.CancelFunc
}

// New builds a client. Run must be called before the client is usable.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if cfg.Identity == "" {
		return nil, errors.New("client: identity is required")
	}
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "client", "identity", cfg.Identity),
		dispatcher: newDispatcher(cfg.Logger),
		state:      StateDisconnected,
		states:     make(chan State, 16),
	}, nil
}

// Handle registers fn for inbound frames of the given kind. The previous
// handler for the kind, if any, is replaced.
func (c *Client) Handle(kind wire.Kind, fn HandlerFunc) {
	c.dispatcher.handle(kind, fn)
}

// OnConnect registers fn to run after every successful handshake,
// including reconnects. The outbox drains and the presence controller
// re-announces through this hook.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// SetResumeProvider registers the source of the resume block sent with
// each hello. The inbox supplies its per-thread high-water marks here.
func (c *Client) SetResumeProvider(fn func() *wire.Resume) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resume = fn
}

// StateChanges returns the lifecycle event stream. The channel is
// buffered; when a consumer lags, the oldest unread transition is
// dropped in favor of the newest.
func (c *Client) StateChanges() <-chan State {
	return c.states
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the relay-assigned session id of the current
// connection, or empty when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected reports whether a transport is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}

// Run dials and serves the connection until ctx is cancelled, Close is
// called, or the attempt cap is exhausted. It owns the reconnect loop:
// each failure sleeps min(max, base*factor^attempt) with symmetric
// jitter before redialing.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	attempt := 0
	for {
		if c.closed.Load() {
			c.setState(StateDisconnected)
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		tr, err := c.connect(ctx)
		if err != nil {
			if c.closed.Load() {
				c.setState(StateDisconnected)
				return nil
			}
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return ctx.Err()
			}
			attempt++
			if c.cfg.AttemptCap > 0 && attempt >= c.cfg.AttemptCap {
				c.logger.Error("giving up after repeated connect failures", "attempts", attempt)
				c.setState(StateDisconnected)
				return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, attempt, err)
			}
			delay := backoff.Delay(c.cfg.Backoff, attempt)
			c.logger.Warn("connect failed, backing off",
				"error", err,
				"attempt", attempt,
				"delay", delay.String())
			c.setState(StateReconnecting)
			if err := backoff.Sleep(ctx, delay); err != nil {
				c.setState(StateDisconnected)
				return err
			}
			continue
		}

		attempt = 0
		c.setState(StateConnected)
		c.fireConnected()

		err = c.serve(ctx, tr)
		c.detach()
		c.dispatcher.failPending(ErrDisconnected)
		if c.closed.Load() {
			c.setState(StateDisconnected)
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.logger.Warn("connection lost", "error", err)
		c.setState(StateReconnecting)
		attempt = 1
		if err := backoff.Sleep(ctx, backoff.Delay(c.cfg.Backoff, attempt)); err != nil {
			c.setState(StateDisconnected)
			return err
		}
	}
}

// Close tears the client down. Run returns nil after a Close-initiated
// shutdown.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	tr := c.transport
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// Send writes one envelope on the current transport. Returns
// ErrDisconnected when there is none; the messaging pipeline redirects
// chat sends to the offline queue on that error.
func (c *Client) Send(ctx context.Context, env wire.Envelope) error {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tr.WriteEnvelope(env)
}

// Call sends a correlated request and waits for its ack. A missing
// correlation id is filled in. The ack may be a nack (OK=false); the
// error cases are transport-level only.
func (c *Client) Call(ctx context.Context, env wire.Envelope) (*wire.Ack, error) {
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	ch := c.dispatcher.register(env.CorrelationID)
	if err := c.Send(ctx, env); err != nil {
		c.dispatcher.unregister(env.CorrelationID)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.ack, res.err
	case <-timer.C:
		c.dispatcher.unregister(env.CorrelationID)
		return nil, ErrDeliveryTimeout
	case <-ctx.Done():
		c.dispatcher.unregister(env.CorrelationID)
		return nil, ctx.Err()
	}
}

// connect dials and performs the hello handshake on the new transport.
func (c *Client) connect(ctx context.Context) (Transport, error) {
	tr, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, err
	}

	hello := wire.Hello{
		Identity: c.cfg.Identity,
		Token:    c.cfg.Token,
		Client:   c.cfg.Info,
	}
	c.mu.Lock()
	resume := c.resume
	c.mu.Unlock()
	if resume != nil {
		hello.Resume = resume()
	}

	env, err := wire.NewEnvelope(wire.KindHello, uuid.NewString(), hello)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	if err := tr.WriteEnvelope(env); err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	reply, err := tr.ReadEnvelope()
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("await hello_ok: %w", err)
	}
	if reply.Event != wire.KindHelloOK {
		_ = tr.Close()
		if reply.Event == wire.KindAck {
			var ack wire.Ack
			if json.Unmarshal(reply.Payload, &ack) == nil && !ack.OK {
				return nil, fmt.Errorf("handshake rejected: %s: %s", ack.Code, ack.Message)
			}
		}
		return nil, fmt.Errorf("handshake: unexpected %s frame", reply.Event)
	}
	var ok wire.HelloOK
	if err := json.Unmarshal(reply.Payload, &ok); err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("decode hello_ok: %w", err)
	}

	c.mu.Lock()
	c.transport = tr
	c.sessionID = ok.SessionID
	if ok.PingIntervalMS > 0 {
		c.cfg.PingInterval = time.Duration(ok.PingIntervalMS) * time.Millisecond
	}
	if ok.PongTimeoutMS > 0 {
		c.cfg.PongTimeout = time.Duration(ok.PongTimeoutMS) * time.Millisecond
	}
	c.mu.Unlock()
	c.lastPong.Store(time.Now().UnixNano())

	c.logger.Info("connected",
		"session_id", ok.SessionID,
		"ping_interval", c.cfg.PingInterval.String())
	return tr, nil
}

// serve runs the read loop and the heartbeat until either fails.
func (c *Client) serve(ctx context.Context, tr Transport) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(tr) }()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = tr.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			stale := time.Since(time.Unix(0, c.lastPong.Load()))
			if stale > c.cfg.PingInterval+c.cfg.PongTimeout {
				_ = tr.Close()
				<-readErr
				return fmt.Errorf("no pong for %s, forcing reconnect", stale.Round(time.Millisecond))
			}
			ping, err := wire.NewEnvelope(wire.KindPing, uuid.NewString(), wire.Heartbeat{Timestamp: time.Now()})
			if err == nil {
				if err := tr.WriteEnvelope(ping); err != nil {
					_ = tr.Close()
					<-readErr
					return fmt.Errorf("send ping: %w", err)
				}
			}
		}
	}
}

func (c *Client) readLoop(tr Transport) error {
	for {
		env, err := tr.ReadEnvelope()
		if err != nil {
			if errors.Is(err, wire.ErrUnknownKind) {
				// Forward compatibility: the relay outgrew us, the
				// connection stays.
				c.logger.Debug("dropping frame of unknown kind", "error", err)
				continue
			}
			return err
		}
		if env.Event == wire.KindPong {
			c.lastPong.Store(time.Now().UnixNano())
			continue
		}
		c.dispatcher.dispatch(env)
	}
}

func (c *Client) detach() {
	c.mu.Lock()
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.sessionID = ""
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	for {
		select {
		case c.states <- s:
			return
		default:
			// Drop the oldest transition to make room.
			select {
			case <-c.states:
			default:
			}
		}
	}
}

func (c *Client) fireConnected() {
	c.mu.Lock()
	hooks := make([]func(), len(c.onConnect))
	copy(hooks, c.onConnect)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

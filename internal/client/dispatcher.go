package client

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/studyloop/pulse/pkg/wire"
)

var (
	// ErrDisconnected reports that the transport dropped before, or while,
	// an operation needed it.
	ErrDisconnected = errors.New("client disconnected")
	// ErrDeliveryTimeout reports that no ack arrived for a correlated
	// request within the ack window. The caller decides whether to retry.
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrAttemptsExhausted reports that the reconnect loop hit its attempt
	// cap and gave up.
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
)

// HandlerFunc consumes one inbound envelope. Handlers run on the read
// goroutine; long work belongs elsewhere.
type HandlerFunc func(env *wire.Envelope)

type ackResult struct {
	ack *wire.Ack
	err error
}

// dispatcher routes inbound envelopes: acks resolve their pending
// correlated request, everything else goes to the handler registered for
// its kind. Unknown kinds are logged and dropped.
type dispatcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[wire.Kind]HandlerFunc
	pending  map[string]chan ackResult
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		logger:   logger,
		handlers: make(map[wire.Kind]HandlerFunc),
		pending:  make(map[string]chan ackResult),
	}
}

func (d *dispatcher) handle(kind wire.Kind, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = fn
}

// register creates a pending entry for a correlated request. The channel
// is buffered so resolve never blocks on a caller that already gave up.
func (d *dispatcher) register(correlationID string) chan ackResult {
	ch := make(chan ackResult, 1)
	d.mu.Lock()
	d.pending[correlationID] = ch
	d.mu.Unlock()
	return ch
}

func (d *dispatcher) unregister(correlationID string) {
	d.mu.Lock()
	delete(d.pending, correlationID)
	d.mu.Unlock()
}

// failPending resolves every outstanding correlated request with err.
// Runs when the transport drops.
func (d *dispatcher) failPending(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]chan ackResult)
	d.mu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

func (d *dispatcher) dispatch(env *wire.Envelope) {
	if env.Event == wire.KindAck {
		d.resolveAck(env)
		return
	}

	d.mu.Lock()
	fn, ok := d.handlers[env.Event]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("dropping frame with no handler", "event", string(env.Event))
		return
	}
	fn(env)
}

func (d *dispatcher) resolveAck(env *wire.Envelope) {
	if env.CorrelationID == "" {
		d.logger.Warn("dropping ack without correlation id")
		return
	}
	d.mu.Lock()
	ch, ok := d.pending[env.CorrelationID]
	if ok {
		delete(d.pending, env.CorrelationID)
	}
	d.mu.Unlock()
	if !ok {
		// Late ack for a request that already timed out.
		d.logger.Debug("dropping unmatched ack", "correlation_id", env.CorrelationID)
		return
	}
	var ack wire.Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		ch <- ackResult{err: err}
		return
	}
	ch <- ackResult{ack: &ack}
}

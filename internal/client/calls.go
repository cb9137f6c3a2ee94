package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

// CallHandlers receives signaling pushed by the relay. Nil fields are
// skipped. Handlers run on the read goroutine.
type CallHandlers struct {
	OnIncoming func(wire.CallInitiated)
	OnAccepted func(wire.CallAccepted)
	OnRejected func(wire.CallRejected)
	OnEnded    func(wire.CallEnded)
}

// CallController mirrors the relay's call state for one identity: it
// issues signaling requests and tracks which calls are live so the
// application can render them. The relay stays authoritative; a
// call_ended for an unknown call is not an error here.
type CallController struct {
	client   *Client
	logger   *slog.Logger
	handlers CallHandlers

	mu     sync.Mutex
	active map[string]models.Call
}

// NewCallController wires signaling handlers into the client.
func NewCallController(c *Client, handlers CallHandlers) *CallController {
	cc := &CallController{
		client:   c,
		logger:   c.logger.With("component", "calls"),
		handlers: handlers,
		active:   make(map[string]models.Call),
	}
	c.Handle(wire.KindCallInitiated, cc.handleInitiated)
	c.Handle(wire.KindCallAccepted, cc.handleAccepted)
	c.Handle(wire.KindCallRejected, cc.handleRejected)
	c.Handle(wire.KindCallEnded, cc.handleEnded)
	return cc
}

// Initiate rings receiver. The returned call is the relay's authoritative
// snapshot in the ringing state.
func (cc *CallController) Initiate(ctx context.Context, receiverID string, media models.MediaKind) (*models.Call, error) {
	env, err := wire.NewEnvelope(wire.KindInitiateCall, "", wire.InitiateCall{
		ReceiverID: receiverID,
		Media:      media,
	})
	if err != nil {
		return nil, err
	}
	ack, err := cc.client.Call(ctx, env)
	if err != nil {
		return nil, err
	}
	if !ack.OK {
		return nil, fmt.Errorf("initiate call: %s: %s", ack.Code, ack.Message)
	}
	if ack.Call == nil {
		return nil, fmt.Errorf("initiate call: ack carried no call")
	}
	cc.mu.Lock()
	cc.active[ack.Call.ID] = *ack.Call
	cc.mu.Unlock()
	return ack.Call, nil
}

// Accept answers a ringing call.
func (cc *CallController) Accept(ctx context.Context, callID string) error {
	return cc.signal(ctx, wire.KindAcceptCall, wire.AcceptCall{CallID: callID})
}

// Reject declines a ringing call.
func (cc *CallController) Reject(ctx context.Context, callID, reason string) error {
	err := cc.signal(ctx, wire.KindRejectCall, wire.RejectCall{CallID: callID, Reason: reason})
	if err == nil {
		cc.drop(callID)
	}
	return err
}

// End hangs up a ringing or accepted call.
func (cc *CallController) End(ctx context.Context, callID string) error {
	err := cc.signal(ctx, wire.KindEndCall, wire.EndCall{CallID: callID})
	if err == nil {
		cc.drop(callID)
	}
	return err
}

// Active returns the calls this controller believes are live.
func (cc *CallController) Active() []models.Call {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make([]models.Call, 0, len(cc.active))
	for _, call := range cc.active {
		out = append(out, call)
	}
	return out
}

func (cc *CallController) signal(ctx context.Context, kind wire.Kind, payload any) error {
	env, err := wire.NewEnvelope(kind, "", payload)
	if err != nil {
		return err
	}
	ack, err := cc.client.Call(ctx, env)
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%s: %s: %s", kind, ack.Code, ack.Message)
	}
	return nil
}

func (cc *CallController) handleInitiated(env *wire.Envelope) {
	var p wire.CallInitiated
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		cc.logger.Warn("malformed call_initiated dropped", "error", err)
		return
	}
	cc.mu.Lock()
	cc.active[p.CallID] = models.Call{
		ID:          p.CallID,
		CallerID:    p.CallerID,
		ReceiverID:  cc.client.cfg.Identity,
		Media:       p.Media,
		Status:      models.CallRinging,
		InitiatedAt: p.InitiatedAt,
	}
	cc.mu.Unlock()
	if cc.handlers.OnIncoming != nil {
		cc.handlers.OnIncoming(p)
	}
}

func (cc *CallController) handleAccepted(env *wire.Envelope) {
	var p wire.CallAccepted
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	cc.mu.Lock()
	if call, ok := cc.active[p.CallID]; ok {
		call.Status = models.CallAccepted
		cc.active[p.CallID] = call
	}
	cc.mu.Unlock()
	if cc.handlers.OnAccepted != nil {
		cc.handlers.OnAccepted(p)
	}
}

func (cc *CallController) handleRejected(env *wire.Envelope) {
	var p wire.CallRejected
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	cc.drop(p.CallID)
	if cc.handlers.OnRejected != nil {
		cc.handlers.OnRejected(p)
	}
}

func (cc *CallController) handleEnded(env *wire.Envelope) {
	var p wire.CallEnded
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	cc.drop(p.CallID)
	if cc.handlers.OnEnded != nil {
		cc.handlers.OnEnded(p)
	}
}

func (cc *CallController) drop(callID string) {
	cc.mu.Lock()
	delete(cc.active, callID)
	cc.mu.Unlock()
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studyloop/pulse/internal/calls"
	"github.com/studyloop/pulse/internal/notify"
	"github.com/studyloop/pulse/internal/registry"
	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

// dispatch routes one validated inbound envelope to its handler. The
// switch is exhaustive over the kinds a client may send; server-to-client
// kinds arriving inbound are protocol errors.
func (s *session) dispatch(env *wire.Envelope) {
	start := time.Now()
	ctx, span := s.server.tracer.TraceDispatch(s.ctx, string(env.Event), s.identity)
	defer span.End()
	defer func() {
		s.server.metrics.RecordDispatch(string(env.Event), time.Since(start).Seconds())
	}()

	payload, err := env.DecodePayload()
	if err != nil {
		s.nack(env.CorrelationID, wire.CodeBadFrame, err.Error())
		return
	}

	switch p := payload.(type) {
	case *wire.Heartbeat:
		if env.Event == wire.KindPing {
			s.handlePing(env.CorrelationID, p)
		}
	case *wire.InitiateCall:
		s.handleInitiateCall(ctx, env.CorrelationID, p)
	case *wire.AcceptCall:
		s.handleAcceptCall(ctx, env.CorrelationID, p)
	case *wire.RejectCall:
		s.handleRejectCall(ctx, env.CorrelationID, p)
	case *wire.EndCall:
		s.handleEndCall(ctx, env.CorrelationID, p)
	case *wire.ChatMessage:
		if env.Event == wire.KindSendMessage {
			s.handleSendMessage(env.CorrelationID, p)
		}
	case *wire.Receipt:
		s.handleReceipt(env.Event, p)
	case *wire.Typing:
		s.handleTyping(env.Event, p)
	case *wire.PresenceUpdate:
		s.handlePresenceUpdate(p)
	case *wire.PresenceSubscription:
		s.handlePresenceSubscription(env.Event, p)
	case *wire.HelpRequest:
		s.handleHelpRequest(env.CorrelationID, p)
	case *wire.Hello:
		s.nack(env.CorrelationID, wire.CodeBadFrame, "already handshaked")
	default:
		s.logger.Warn("dropping server-bound frame of outbound kind",
			"identity", s.identity,
			"event", string(env.Event))
	}
}

func (s *session) handlePing(correlationID string, hb *wire.Heartbeat) {
	ts := hb.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	env, err := wire.NewEnvelope(wire.KindPong, correlationID, wire.Heartbeat{Timestamp: ts})
	if err != nil {
		return
	}
	_ = s.Send(env)
}

func (s *session) handleInitiateCall(ctx context.Context, correlationID string, p *wire.InitiateCall) {
	if s.server.calls == nil {
		s.nack(correlationID, wire.CodeInternal, "call signaling unavailable")
		return
	}
	call, err := s.server.calls.Initiate(ctx, s.identity, p.ReceiverID, p.Media)
	if err != nil {
		s.nackCallError(correlationID, err)
		return
	}
	s.ack(correlationID, func(a *wire.Ack) { a.Call = call })
	s.server.emitNotification(ctx, notify.Event{
		ID:       call.ID,
		Target:   call.ReceiverID,
		Type:     models.NotifyCall,
		Priority: models.PriorityUrgent,
		Title:    "Incoming call",
		Body:     fmt.Sprintf("%s call from %s", call.Media, s.identity),
		Sender:   s.identity,
	})
}

func (s *session) handleAcceptCall(ctx context.Context, correlationID string, p *wire.AcceptCall) {
	if s.server.calls == nil {
		s.nack(correlationID, wire.CodeInternal, "call signaling unavailable")
		return
	}
	call, err := s.server.calls.Accept(ctx, p.CallID, s.identity)
	if err != nil {
		s.nackCallError(correlationID, err)
		return
	}
	s.ack(correlationID, func(a *wire.Ack) { a.Call = call })
}

func (s *session) handleRejectCall(ctx context.Context, correlationID string, p *wire.RejectCall) {
	if s.server.calls == nil {
		s.nack(correlationID, wire.CodeInternal, "call signaling unavailable")
		return
	}
	if err := s.server.calls.Reject(ctx, p.CallID, s.identity, p.Reason); err != nil {
		s.nackCallError(correlationID, err)
		return
	}
	s.ack(correlationID, nil)
}

func (s *session) handleEndCall(ctx context.Context, correlationID string, p *wire.EndCall) {
	if s.server.calls == nil {
		s.nack(correlationID, wire.CodeInternal, "call signaling unavailable")
		return
	}
	if err := s.server.calls.End(ctx, p.CallID, s.identity); err != nil {
		s.nackCallError(correlationID, err)
		return
	}
	s.ack(correlationID, nil)
}

// handleSendMessage relays one chat message. The sender identity is
// stamped from the session, never trusted from the payload. An offline
// receiver fails the correlated request with peer_unavailable; the
// sender's pipeline owns queueing and retries.
func (s *session) handleSendMessage(correlationID string, p *wire.ChatMessage) {
	p.SenderID = s.identity
	if p.SentAt.IsZero() {
		p.SentAt = time.Now()
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}

	if p.ReceiverID == "" {
		s.broadcastMessage(correlationID, p)
		return
	}

	conn, ok := s.server.registry.Lookup(p.ReceiverID)
	if !ok {
		s.nack(correlationID, wire.CodePeerUnavailable, "receiver has no registered connection")
		return
	}
	if receiverApplied(conn, p) {
		s.suppressRedelivery(correlationID, p)
		return
	}
	env, err := wire.NewEnvelope(wire.KindMessageReceived, "", *p)
	if err != nil {
		s.nack(correlationID, wire.CodeInternal, err.Error())
		return
	}
	if err := conn.Send(env); err != nil {
		s.nack(correlationID, wire.CodePeerUnavailable, "receiver connection is closing")
		return
	}
	s.server.metrics.MessageRelayed(string(p.Type))
	s.ack(correlationID, func(a *wire.Ack) { a.MessageID = p.MessageID })

	s.server.emitNotification(s.ctx, notify.Event{
		ID:       p.MessageID,
		Target:   p.ReceiverID,
		Type:     models.NotifyMessage,
		Priority: p.Priority,
		Title:    fmt.Sprintf("Message from %s", s.identity),
		Body:     p.Content,
		Sender:   s.identity,
	})
}

// receiverApplied reports whether the receiver's handshake declared this
// sender/thread seq as already applied before its last disconnect. Keys
// match the client's resume map: "<senderId>|<threadId>".
func receiverApplied(conn registry.Conn, p *wire.ChatMessage) bool {
	sess, ok := conn.(*session)
	if !ok || sess.resume == nil {
		return false
	}
	mark, ok := sess.resume[p.SenderID+"|"+p.ThreadID]
	return ok && p.Seq <= mark
}

// suppressRedelivery settles a message the receiver already holds
// without putting it back on the wire: the sender gets its ack and a
// delivered receipt on the receiver's behalf.
func (s *session) suppressRedelivery(correlationID string, p *wire.ChatMessage) {
	s.ack(correlationID, func(a *wire.Ack) { a.MessageID = p.MessageID })
	env, err := wire.NewEnvelope(wire.KindMessageDelivered, "", wire.Receipt{
		MessageID: p.MessageID,
		ThreadID:  p.ThreadID,
		To:        p.SenderID,
		By:        p.ReceiverID,
	})
	if err != nil {
		return
	}
	_ = s.Send(env)
	s.logger.Debug("redelivery suppressed",
		"sender", p.SenderID,
		"receiver", p.ReceiverID,
		"thread", p.ThreadID,
		"seq", p.Seq)
}

// broadcastMessage fans a receiverless message out to every other
// connected identity. Used for system announcements; per-identity
// delivery failures only drop that identity.
func (s *session) broadcastMessage(correlationID string, p *wire.ChatMessage) {
	env, err := wire.NewEnvelope(wire.KindMessageReceived, "", *p)
	if err != nil {
		s.nack(correlationID, wire.CodeInternal, err.Error())
		return
	}
	delivered := 0
	for identity, conn := range s.server.registry.Connections() {
		if identity == s.identity {
			continue
		}
		if conn.Send(env) == nil {
			delivered++
			s.server.emitNotification(s.ctx, notify.Event{
				ID:       p.MessageID,
				Target:   identity,
				Type:     models.NotifyMessage,
				Priority: p.Priority,
				Title:    fmt.Sprintf("Message from %s", s.identity),
				Body:     p.Content,
				Sender:   s.identity,
			})
		}
	}
	s.server.metrics.MessageRelayed(string(p.Type))
	s.logger.Debug("broadcast message relayed",
		"sender", s.identity,
		"message_id", p.MessageID,
		"delivered", delivered)
	s.ack(correlationID, func(a *wire.Ack) { a.MessageID = p.MessageID })
}

// handleReceipt forwards a delivered/read receipt to the original
// sender. Receipts are fire-and-forget; a receipt for an offline sender
// is dropped, the next reconnect's redelivery dedup covers it.
func (s *session) handleReceipt(kind wire.Kind, p *wire.Receipt) {
	if p.To == "" {
		s.logger.Debug("receipt without target dropped", "identity", s.identity, "message_id", p.MessageID)
		return
	}
	p.By = s.identity
	conn, ok := s.server.registry.Lookup(p.To)
	if !ok {
		return
	}
	env, err := wire.NewEnvelope(kind, "", *p)
	if err != nil {
		return
	}
	_ = conn.Send(env)
}

// handleTyping forwards a typing indicator. Best effort: no ack, no
// queue, silently dropped when the peer is offline.
func (s *session) handleTyping(kind wire.Kind, p *wire.Typing) {
	if p.ReceiverID == "" {
		return
	}
	p.SenderID = s.identity
	conn, ok := s.server.registry.Lookup(p.ReceiverID)
	if !ok {
		return
	}
	env, err := wire.NewEnvelope(kind, "", *p)
	if err != nil {
		return
	}
	_ = conn.Send(env)
}

func (s *session) handlePresenceUpdate(p *wire.PresenceUpdate) {
	if s.server.presence == nil {
		return
	}
	// A client only sets its own presence; the identity field is for
	// the relay-to-subscriber direction.
	s.server.presence.Update(s.identity, p.Status, p.CustomStatus)
}

func (s *session) handlePresenceSubscription(kind wire.Kind, p *wire.PresenceSubscription) {
	if s.server.presence == nil {
		return
	}
	switch kind {
	case wire.KindPresenceSubscribe:
		if len(p.Identities) > 0 {
			s.server.presence.Subscribe(s.identity, p.Identities...)
		}
		if p.Room != "" {
			s.server.presence.SubscribeRoom(s.identity, p.Room)
		}
	case wire.KindPresenceUnsubscribe:
		if len(p.Identities) > 0 {
			s.server.presence.Unsubscribe(s.identity, p.Identities...)
		}
		if p.Room != "" {
			s.server.presence.UnsubscribeRoom(s.identity, p.Room)
		}
	}
}

// handleHelpRequest routes a help request to one tutor or, for the
// broadcast target, to every identity currently broadcasting available
// presence.
func (s *session) handleHelpRequest(correlationID string, p *wire.HelpRequest) {
	p.RequesterID = s.identity
	if p.Urgency == "" {
		p.Urgency = models.PriorityHigh
	}

	if p.TargetID != wire.HelpTargetBroadcast {
		conn, ok := s.server.registry.Lookup(p.TargetID)
		if !ok {
			s.nack(correlationID, wire.CodePeerUnavailable, "target has no registered connection")
			return
		}
		env, err := wire.NewEnvelope(wire.KindHelpRequest, "", *p)
		if err != nil {
			s.nack(correlationID, wire.CodeInternal, err.Error())
			return
		}
		if err := conn.Send(env); err != nil {
			s.nack(correlationID, wire.CodePeerUnavailable, "target connection is closing")
			return
		}
		s.ack(correlationID, nil)
		s.notifyHelp(p.TargetID, p)
		return
	}

	env, err := wire.NewEnvelope(wire.KindHelpRequest, "", *p)
	if err != nil {
		s.nack(correlationID, wire.CodeInternal, err.Error())
		return
	}
	reached := 0
	var available []string
	if s.server.presence != nil {
		available = s.server.presence.Available()
	}
	for _, identity := range available {
		if identity == s.identity {
			continue
		}
		conn, ok := s.server.registry.Lookup(identity)
		if !ok {
			continue
		}
		if conn.Send(env) == nil {
			reached++
			s.notifyHelp(identity, p)
		}
	}
	s.logger.Info("help request broadcast",
		"requester", s.identity,
		"subject", p.Subject,
		"reached", reached)
	s.ack(correlationID, nil)
}

func (s *session) notifyHelp(target string, p *wire.HelpRequest) {
	s.server.emitNotification(s.ctx, notify.Event{
		ID:       fmt.Sprintf("help:%s:%s", p.RequesterID, p.Subject),
		Target:   target,
		Type:     models.NotifyHelpRequest,
		Priority: p.Urgency,
		Title:    fmt.Sprintf("Help request from %s", p.RequesterID),
		Body:     p.Subject,
		Sender:   p.RequesterID,
	})
}

// nackCallError maps signaling errors onto stable wire codes.
func (s *session) nackCallError(correlationID string, err error) {
	code := wire.CodeInternal
	switch {
	case errors.Is(err, calls.ErrPeerUnavailable):
		code = wire.CodePeerUnavailable
	case errors.Is(err, calls.ErrCallInProgress):
		code = wire.CodeCallInProgress
	case errors.Is(err, calls.ErrCallNotFound):
		code = wire.CodeCallNotFound
	case errors.Is(err, calls.ErrNotParticipant):
		code = wire.CodeNotParticipant
	case errors.Is(err, calls.ErrInvalidState), errors.Is(err, calls.ErrSelfCall):
		code = wire.CodeInvalidState
	}
	s.nack(correlationID, code, err.Error())
}

// Package calls owns the signaling state machine for two-party calls:
// ringing timers, single-writer transitions per call id, and relay of the
// resulting signals to both parties' live connections. It moves no media;
// it only coordinates who is ringing whom and how the attempt resolved.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/pulse/internal/observability"
	"github.com/studyloop/pulse/internal/registry"
	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

var (
	// ErrPeerUnavailable means the receiver has no registered connection.
	ErrPeerUnavailable = errors.New("peer has no registered connection")

	// ErrCallInProgress means a non-terminal call already exists between
	// the two identities.
	ErrCallInProgress = errors.New("call already in progress for this pair")

	// ErrCallNotFound means the call id names no active call. Terminal
	// calls are evicted immediately, so a recently resolved call reports
	// the same way as one that never existed.
	ErrCallNotFound = errors.New("call not found")

	// ErrInvalidState means the transition is not legal from the call's
	// current state, or the identity holds the wrong role for it.
	ErrInvalidState = errors.New("call is not in a state that allows this transition")

	// ErrNotParticipant means the identity is neither caller nor receiver.
	ErrNotParticipant = errors.New("identity is not a participant in this call")

	// ErrSelfCall means caller and receiver are the same identity.
	ErrSelfCall = errors.New("caller and receiver are the same identity")
)

// DefaultRingTimeout bounds how long a call rings before it resolves as
// timed out.
const DefaultRingTimeout = 30 * time.Second

// Directory resolves an identity to its live connection. *registry.Registry
// satisfies it.
type Directory interface {
	Lookup(identity string) (registry.Conn, bool)
}

// Config tunes the signaling service.
type Config struct {
	// RingTimeout overrides DefaultRingTimeout when positive.
	RingTimeout time.Duration
}

// active pairs a ringing or accepted call with its timer. ringEnded stays
// zero until the call leaves ringing, so resolution knows how long the
// ring phase lasted even for answered calls.
type active struct {
	call      *models.Call
	timer     *time.Timer
	ringEnded time.Time
}

// Service is the relay-side signaling state machine. One mutex owns the
// active-call table, so transitions for a given call id are totally
// ordered; wire notifications go out after the lock is released.
type Service struct {
	directory Directory
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	ringFor   time.Duration
	clock     func() time.Time

	mu    sync.Mutex
	calls map[string]*active
	pairs map[string]string
}

// NewService wires the signaling service. A nil logger falls back to
// slog.Default; nil metrics and tracer degrade to no-ops.
func NewService(directory Directory, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	ringFor := cfg.RingTimeout
	if ringFor <= 0 {
		ringFor = DefaultRingTimeout
	}
	return &Service{
		directory: directory,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		ringFor:   ringFor,
		clock:     time.Now,
		calls:     make(map[string]*active),
		pairs:     make(map[string]string),
	}
}

// Initiate creates a ringing call from caller to receiver and relays
// call_initiated to the receiver's connection. It fails fast with
// ErrPeerUnavailable when the receiver is not registered and with
// ErrCallInProgress when the pair already has a non-terminal call.
func (s *Service) Initiate(ctx context.Context, caller, receiver string, media models.MediaKind) (*models.Call, error) {
	if caller == receiver {
		return nil, ErrSelfCall
	}
	if !media.Valid() {
		return nil, fmt.Errorf("%w: unknown media kind %q", ErrInvalidState, media)
	}
	conn, ok := s.directory.Lookup(receiver)
	if !ok {
		return nil, ErrPeerUnavailable
	}

	id := uuid.NewString()
	_, span := s.tracer.TraceCallTransition(ctx, id, "initiate")
	defer span.End()

	s.mu.Lock()
	key := models.PairKey(caller, receiver)
	if existing, busy := s.pairs[key]; busy {
		s.mu.Unlock()
		err := fmt.Errorf("%w: call %s", ErrCallInProgress, existing)
		s.tracer.RecordError(span, err)
		return nil, err
	}
	now := s.clock()
	call := &models.Call{
		ID:          id,
		CallerID:    caller,
		ReceiverID:  receiver,
		Media:       media,
		Status:      models.CallRinging,
		InitiatedAt: now,
	}
	a := &active{call: call}
	a.timer = time.AfterFunc(s.ringFor, func() { s.timeout(id) })
	s.calls[id] = a
	s.pairs[key] = id
	snapshot := *call
	s.mu.Unlock()

	s.metrics.CallStarted()
	s.logger.Info("call initiated",
		"call_id", id,
		"caller", caller,
		"receiver", receiver,
		"media", string(media))

	env, err := wire.NewEnvelope(wire.KindCallInitiated, "", wire.CallInitiated{
		CallID:      id,
		CallerID:    caller,
		Media:       media,
		InitiatedAt: now,
	})
	if err != nil {
		s.logger.Warn("encode call_initiated", "call_id", id, "error", err)
		return &snapshot, nil
	}
	if err := conn.Send(env); err != nil {
		// The receiver's session is on its way out. The ring timer
		// resolves the call if nothing else does.
		s.logger.Warn("ring receiver", "call_id", id, "receiver", receiver, "error", err)
	}
	return &snapshot, nil
}

// Accept transitions a ringing call to accepted and notifies the caller.
// Only the receiver may accept. Accepting an already accepted call is a
// no-op that returns the current state.
func (s *Service) Accept(ctx context.Context, callID, by string) (*models.Call, error) {
	_, span := s.tracer.TraceCallTransition(ctx, callID, "accept")
	defer span.End()

	s.mu.Lock()
	a, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		s.tracer.RecordError(span, ErrCallNotFound)
		return nil, ErrCallNotFound
	}
	call := a.call
	if by != call.CallerID && by != call.ReceiverID {
		s.mu.Unlock()
		s.tracer.RecordError(span, ErrNotParticipant)
		return nil, ErrNotParticipant
	}
	if by != call.ReceiverID {
		s.mu.Unlock()
		err := fmt.Errorf("%w: only the receiver may accept", ErrInvalidState)
		s.tracer.RecordError(span, err)
		return nil, err
	}
	if call.Status == models.CallAccepted {
		snapshot := *call
		s.mu.Unlock()
		return &snapshot, nil
	}
	a.timer.Stop()
	a.ringEnded = s.clock()
	call.Status = models.CallAccepted
	snapshot := *call
	s.mu.Unlock()

	s.logger.Info("call accepted", "call_id", callID, "by", by)
	s.relay(call.CallerID, wire.KindCallAccepted, wire.CallAccepted{CallID: callID})
	return &snapshot, nil
}

// Reject declines a ringing call and notifies the caller with the reason.
// Only the receiver may reject, and only while the call rings. Rejecting a
// call that already resolved is a no-op.
func (s *Service) Reject(ctx context.Context, callID, by, reason string) error {
	_, span := s.tracer.TraceCallTransition(ctx, callID, "reject")
	defer span.End()

	if reason == "" {
		reason = models.EndReasonRejected
	}

	s.mu.Lock()
	a, ok := s.calls[callID]
	if !ok {
		// Lost the race against a timeout or hangup; the caller was
		// already notified of a terminal state.
		s.mu.Unlock()
		return nil
	}
	call := a.call
	if by != call.CallerID && by != call.ReceiverID {
		s.mu.Unlock()
		s.tracer.RecordError(span, ErrNotParticipant)
		return ErrNotParticipant
	}
	if by != call.ReceiverID {
		s.mu.Unlock()
		err := fmt.Errorf("%w: only the receiver may reject", ErrInvalidState)
		s.tracer.RecordError(span, err)
		return err
	}
	if call.Status != models.CallRinging {
		s.mu.Unlock()
		err := fmt.Errorf("%w: reject is only valid while ringing", ErrInvalidState)
		s.tracer.RecordError(span, err)
		return err
	}
	snapshot := s.resolveLocked(a, models.CallRejected, reason, by)
	s.mu.Unlock()

	s.logger.Info("call rejected", "call_id", callID, "by", by, "reason", reason)
	s.relay(snapshot.CallerID, wire.KindCallRejected, wire.CallRejected{
		CallID: callID,
		Reason: reason,
	})
	return nil
}

// End hangs up a ringing or accepted call and notifies the other party.
// Either participant may end. Ending a call that already resolved, or that
// never existed, is a no-op so that simultaneous hangups both succeed.
func (s *Service) End(ctx context.Context, callID, by string) error {
	_, span := s.tracer.TraceCallTransition(ctx, callID, "end")
	defer span.End()

	s.mu.Lock()
	a, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	call := a.call
	if by != call.CallerID && by != call.ReceiverID {
		s.mu.Unlock()
		s.tracer.RecordError(span, ErrNotParticipant)
		return ErrNotParticipant
	}
	snapshot := s.resolveLocked(a, models.CallEnded, models.EndReasonHangup, by)
	s.mu.Unlock()

	s.logger.Info("call ended", "call_id", callID, "by", by)
	s.relay(snapshot.Peer(by), wire.KindCallEnded, wire.CallEnded{
		CallID:  callID,
		EndedBy: by,
		Reason:  models.EndReasonHangup,
	})
	return nil
}

// PeerDisconnected ends every non-terminal call the identity participates
// in, as an implicit hangup with reason peer_disconnected, and notifies
// each surviving party. The gateway calls this when a session is torn down.
func (s *Service) PeerDisconnected(identity string) {
	s.mu.Lock()
	var resolved []models.Call
	for _, a := range s.calls {
		if a.call.CallerID != identity && a.call.ReceiverID != identity {
			continue
		}
		resolved = append(resolved, s.resolveLocked(a, models.CallEnded, models.EndReasonPeerDisconnected, identity))
	}
	s.mu.Unlock()

	for _, call := range resolved {
		s.logger.Info("call ended by disconnect", "call_id", call.ID, "identity", identity)
		s.relay(call.Peer(identity), wire.KindCallEnded, wire.CallEnded{
			CallID:  call.ID,
			EndedBy: identity,
			Reason:  models.EndReasonPeerDisconnected,
		})
	}
}

// SweepStuckRinging resolves every call that has been ringing longer than
// olderThan, exactly as if its ring timer had fired, and returns how many
// it resolved. The janitor runs this as a backstop: a timer can be lost to
// a crash between scheduling and firing, and a stuck ringing entry would
// otherwise hold the pair busy forever.
func (s *Service) SweepStuckRinging(olderThan time.Duration) int {
	cutoff := s.clock().Add(-olderThan)

	s.mu.Lock()
	var resolved []models.Call
	for _, a := range s.calls {
		if a.call.Status != models.CallRinging || a.call.InitiatedAt.After(cutoff) {
			continue
		}
		resolved = append(resolved, s.resolveLocked(a, models.CallTimedOut, models.EndReasonTimedOut, ""))
	}
	s.mu.Unlock()

	for _, call := range resolved {
		s.logger.Warn("stuck ringing call swept",
			"call_id", call.ID,
			"caller", call.CallerID,
			"age", s.clock().Sub(call.InitiatedAt).String())
		ended := wire.CallEnded{CallID: call.ID, Reason: models.EndReasonTimedOut}
		s.relay(call.CallerID, wire.KindCallEnded, ended)
		s.relay(call.ReceiverID, wire.KindCallEnded, ended)
	}
	return len(resolved)
}

// timeout resolves a still-ringing call as timed out and tells both
// parties, so the receiver's ringing UI stops alongside the caller's.
func (s *Service) timeout(callID string) {
	_, span := s.tracer.TraceCallTransition(context.Background(), callID, "timeout")
	defer span.End()

	s.mu.Lock()
	a, ok := s.calls[callID]
	if !ok || a.call.Status != models.CallRinging {
		s.mu.Unlock()
		return
	}
	snapshot := s.resolveLocked(a, models.CallTimedOut, models.EndReasonTimedOut, "")
	s.mu.Unlock()

	s.logger.Info("call timed out",
		"call_id", callID,
		"caller", snapshot.CallerID,
		"receiver", snapshot.ReceiverID)

	ended := wire.CallEnded{CallID: callID, Reason: models.EndReasonTimedOut}
	s.relay(snapshot.CallerID, wire.KindCallEnded, ended)
	s.relay(snapshot.ReceiverID, wire.KindCallEnded, ended)
}

// resolveLocked stamps the terminal state, cancels the ring timer, evicts
// the call from the active table, and records metrics. The caller holds
// s.mu and sends notifications after releasing it.
func (s *Service) resolveLocked(a *active, status models.CallStatus, reason, endedBy string) models.Call {
	a.timer.Stop()
	call := a.call
	call.Status = status
	call.ResolvedAt = s.clock()
	call.EndReason = reason
	call.EndedBy = endedBy
	delete(s.calls, call.ID)
	delete(s.pairs, call.PairKey())

	ringEnded := a.ringEnded
	if ringEnded.IsZero() {
		ringEnded = call.ResolvedAt
	}
	outcome := string(status)
	if status == models.CallEnded {
		// Splits hangups from disconnects; never carries user text.
		outcome = reason
	}
	s.metrics.CallResolved(outcome, ringEnded.Sub(call.InitiatedAt).Seconds())
	return *call
}

// relay delivers one signaling event to an identity's live connection,
// dropping it when the identity is offline or the connection's buffer is
// full. Signaling frames are never queued.
func (s *Service) relay(identity string, kind wire.Kind, payload any) {
	if identity == "" {
		return
	}
	conn, ok := s.directory.Lookup(identity)
	if !ok {
		s.logger.Debug("call signal dropped, peer offline", "identity", identity, "event", string(kind))
		return
	}
	env, err := wire.NewEnvelope(kind, "", payload)
	if err != nil {
		s.logger.Warn("encode call signal", "event", string(kind), "error", err)
		return
	}
	if err := conn.Send(env); err != nil {
		s.logger.Warn("relay call signal", "identity", identity, "event", string(kind), "error", err)
	}
}

// Len reports the number of non-terminal calls.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

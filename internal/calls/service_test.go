package calls

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/studyloop/pulse/internal/observability"
	"github.com/studyloop/pulse/internal/registry"
	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []wire.Envelope
}

func (c *fakeConn) Send(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) LastActive() time.Time { return time.Now() }

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) envelopes() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) count(kind wire.Kind) int {
	n := 0
	for _, env := range c.envelopes() {
		if env.Event == kind {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(t *testing.T) wire.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("no envelopes sent")
	}
	return c.sent[len(c.sent)-1]
}

type fakeDirectory struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeDirectory(identities ...string) *fakeDirectory {
	d := &fakeDirectory{conns: make(map[string]*fakeConn)}
	for _, identity := range identities {
		d.conns[identity] = &fakeConn{}
	}
	return d
}

func (d *fakeDirectory) Lookup(identity string) (registry.Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[identity]
	if !ok {
		return nil, false
	}
	return c, true
}

func (d *fakeDirectory) conn(t *testing.T, identity string) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[identity]
	if !ok {
		t.Fatalf("no fake connection for %q", identity)
	}
	return c
}

func newTestService(dir Directory, cfg Config) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewService(dir, logger, metrics, nil, cfg)
}

func decodeEnded(t *testing.T, env wire.Envelope) *wire.CallEnded {
	t.Helper()
	if env.Event != wire.KindCallEnded {
		t.Fatalf("event = %q, want %q", env.Event, wire.KindCallEnded)
	}
	v, err := env.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	return v.(*wire.CallEnded)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestService_InitiateRingsReceiver(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaVideo)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if call.ID == "" {
		t.Fatal("Initiate() returned empty call id")
	}
	if call.Status != models.CallRinging {
		t.Fatalf("Status = %q, want %q", call.Status, models.CallRinging)
	}
	if call.CallerID != "alice" || call.ReceiverID != "bob" {
		t.Fatalf("participants = (%q, %q), want (alice, bob)", call.CallerID, call.ReceiverID)
	}
	if call.InitiatedAt.IsZero() {
		t.Fatal("InitiatedAt is zero")
	}
	if got := svc.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	env := dir.conn(t, "bob").last(t)
	if env.Event != wire.KindCallInitiated {
		t.Fatalf("receiver got %q, want %q", env.Event, wire.KindCallInitiated)
	}
	v, err := env.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	ring := v.(*wire.CallInitiated)
	if ring.CallID != call.ID {
		t.Fatalf("CallID = %q, want %q", ring.CallID, call.ID)
	}
	if ring.CallerID != "alice" {
		t.Fatalf("CallerID = %q, want %q", ring.CallerID, "alice")
	}
	if ring.Media != models.MediaVideo {
		t.Fatalf("Media = %q, want %q", ring.Media, models.MediaVideo)
	}
}

func TestService_InitiatePeerUnavailable(t *testing.T) {
	dir := newFakeDirectory("alice")
	svc := newTestService(dir, Config{})

	if _, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio); !errors.Is(err, ErrPeerUnavailable) {
		t.Fatalf("Initiate() error = %v, want ErrPeerUnavailable", err)
	}
	if got := svc.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestService_InitiateSelfCall(t *testing.T) {
	dir := newFakeDirectory("alice")
	svc := newTestService(dir, Config{})

	if _, err := svc.Initiate(context.Background(), "alice", "alice", models.MediaAudio); !errors.Is(err, ErrSelfCall) {
		t.Fatalf("Initiate() error = %v, want ErrSelfCall", err)
	}
}

func TestService_InitiateBusyPair(t *testing.T) {
	dir := newFakeDirectory("alice", "bob", "carol")
	svc := newTestService(dir, Config{})

	if _, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	// The pair is unordered: neither direction may open a second call.
	if _, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("same direction error = %v, want ErrCallInProgress", err)
	}
	if _, err := svc.Initiate(context.Background(), "bob", "alice", models.MediaAudio); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("reverse direction error = %v, want ErrCallInProgress", err)
	}

	// A different pair is unaffected.
	if _, err := svc.Initiate(context.Background(), "alice", "carol", models.MediaAudio); err != nil {
		t.Fatalf("Initiate(alice, carol) error = %v", err)
	}
	if got := svc.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestService_AcceptNotifiesCaller(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	got, err := svc.Accept(context.Background(), call.ID, "bob")
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if got.Status != models.CallAccepted {
		t.Fatalf("Status = %q, want %q", got.Status, models.CallAccepted)
	}

	env := dir.conn(t, "alice").last(t)
	if env.Event != wire.KindCallAccepted {
		t.Fatalf("caller got %q, want %q", env.Event, wire.KindCallAccepted)
	}
	if got := svc.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 (accepted call stays active)", got)
	}
}

func TestService_AcceptTwiceIsNoOp(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := svc.Accept(context.Background(), call.ID, "bob"); err != nil {
		t.Fatalf("first Accept() error = %v", err)
	}
	again, err := svc.Accept(context.Background(), call.ID, "bob")
	if err != nil {
		t.Fatalf("second Accept() error = %v", err)
	}
	if again.Status != models.CallAccepted {
		t.Fatalf("Status = %q, want %q", again.Status, models.CallAccepted)
	}
	if n := dir.conn(t, "alice").count(wire.KindCallAccepted); n != 1 {
		t.Fatalf("caller received %d call_accepted, want 1", n)
	}
}

func TestService_AcceptRoles(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := svc.Accept(context.Background(), call.ID, "alice"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("caller accept error = %v, want ErrInvalidState", err)
	}
	if _, err := svc.Accept(context.Background(), call.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger accept error = %v, want ErrNotParticipant", err)
	}
	if _, err := svc.Accept(context.Background(), "no-such-call", "bob"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("unknown call error = %v, want ErrCallNotFound", err)
	}
}

func TestService_RejectNotifiesCallerWithReason(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if err := svc.Reject(context.Background(), call.ID, "bob", "busy"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	env := dir.conn(t, "alice").last(t)
	if env.Event != wire.KindCallRejected {
		t.Fatalf("caller got %q, want %q", env.Event, wire.KindCallRejected)
	}
	v, err := env.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if got := v.(*wire.CallRejected).Reason; got != "busy" {
		t.Fatalf("Reason = %q, want %q", got, "busy")
	}
	if got := svc.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}

	// The pair is free again once the call resolved.
	if _, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio); err != nil {
		t.Fatalf("Initiate() after reject error = %v", err)
	}
}

func TestService_RejectOnlyWhileRinging(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := svc.Accept(context.Background(), call.ID, "bob"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := svc.Reject(context.Background(), call.ID, "bob", ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Reject() after accept error = %v, want ErrInvalidState", err)
	}

	// Rejecting a call that already resolved is a no-op, not an error.
	if err := svc.End(context.Background(), call.ID, "alice"); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := svc.Reject(context.Background(), call.ID, "bob", ""); err != nil {
		t.Fatalf("Reject() after end error = %v, want nil", err)
	}
}

func TestService_EndNotifiesPeer(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := svc.Accept(context.Background(), call.ID, "bob"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := svc.End(context.Background(), call.ID, "alice"); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	ended := decodeEnded(t, dir.conn(t, "bob").last(t))
	if ended.CallID != call.ID {
		t.Fatalf("CallID = %q, want %q", ended.CallID, call.ID)
	}
	if ended.EndedBy != "alice" {
		t.Fatalf("EndedBy = %q, want %q", ended.EndedBy, "alice")
	}
	if ended.Reason != models.EndReasonHangup {
		t.Fatalf("Reason = %q, want %q", ended.Reason, models.EndReasonHangup)
	}
	if got := svc.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestService_EndWhileRingingStopsReceiver(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{RingTimeout: 30 * time.Millisecond})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if err := svc.End(context.Background(), call.ID, "alice"); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	ended := decodeEnded(t, dir.conn(t, "bob").last(t))
	if ended.Reason != models.EndReasonHangup {
		t.Fatalf("Reason = %q, want %q", ended.Reason, models.EndReasonHangup)
	}

	// The ring timer was cancelled; no timed_out notification follows.
	time.Sleep(80 * time.Millisecond)
	if n := dir.conn(t, "alice").count(wire.KindCallEnded); n != 0 {
		t.Fatalf("caller received %d call_ended after cancel, want 0", n)
	}
	if n := dir.conn(t, "bob").count(wire.KindCallEnded); n != 1 {
		t.Fatalf("receiver received %d call_ended, want 1", n)
	}
}

func TestService_SimultaneousEnd(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := svc.Accept(context.Background(), call.ID, "bob"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, by := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, by string) {
			defer wg.Done()
			errs[i] = svc.End(context.Background(), call.ID, by)
		}(i, by)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("End() #%d error = %v", i, err)
		}
	}
	if got := svc.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
	total := dir.conn(t, "alice").count(wire.KindCallEnded) + dir.conn(t, "bob").count(wire.KindCallEnded)
	if total != 1 {
		t.Fatalf("call_ended notifications = %d, want exactly 1", total)
	}
}

func TestService_EndByStranger(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if err := svc.End(context.Background(), call.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("End() error = %v, want ErrNotParticipant", err)
	}
	if got := svc.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func TestService_RingTimeoutNotifiesBothPeers(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{RingTimeout: 20 * time.Millisecond})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return dir.conn(t, "alice").count(wire.KindCallEnded) == 1 &&
			dir.conn(t, "bob").count(wire.KindCallEnded) == 1
	})

	ended := decodeEnded(t, dir.conn(t, "alice").last(t))
	if ended.CallID != call.ID {
		t.Fatalf("CallID = %q, want %q", ended.CallID, call.ID)
	}
	if ended.Reason != models.EndReasonTimedOut {
		t.Fatalf("Reason = %q, want %q", ended.Reason, models.EndReasonTimedOut)
	}
	if got := svc.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}

	// A timed-out call frees the pair for another attempt.
	if _, err := svc.Initiate(context.Background(), "bob", "alice", models.MediaAudio); err != nil {
		t.Fatalf("Initiate() after timeout error = %v", err)
	}
}

func TestService_AcceptCancelsRingTimer(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	svc := newTestService(dir, Config{RingTimeout: 25 * time.Millisecond})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := svc.Accept(context.Background(), call.ID, "bob"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if got := svc.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 (accepted call must not time out)", got)
	}
	if n := dir.conn(t, "alice").count(wire.KindCallEnded); n != 0 {
		t.Fatalf("caller received %d call_ended, want 0", n)
	}
}

func TestService_PeerDisconnectedEndsCalls(t *testing.T) {
	dir := newFakeDirectory("alice", "bob", "carol")
	svc := newTestService(dir, Config{})

	accepted, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate(alice, bob) error = %v", err)
	}
	if _, err := svc.Accept(context.Background(), accepted.ID, "bob"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	ringing, err := svc.Initiate(context.Background(), "carol", "alice", models.MediaVideo)
	if err != nil {
		t.Fatalf("Initiate(carol, alice) error = %v", err)
	}

	svc.PeerDisconnected("alice")

	if got := svc.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
	for _, tc := range []struct {
		peer   string
		callID string
	}{
		{"bob", accepted.ID},
		{"carol", ringing.ID},
	} {
		ended := decodeEnded(t, dir.conn(t, tc.peer).last(t))
		if ended.CallID != tc.callID {
			t.Fatalf("%s CallID = %q, want %q", tc.peer, ended.CallID, tc.callID)
		}
		if ended.EndedBy != "alice" {
			t.Fatalf("%s EndedBy = %q, want %q", tc.peer, ended.EndedBy, "alice")
		}
		if ended.Reason != models.EndReasonPeerDisconnected {
			t.Fatalf("%s Reason = %q, want %q", tc.peer, ended.Reason, models.EndReasonPeerDisconnected)
		}
	}
}

func TestService_PeerDisconnectedNoCalls(t *testing.T) {
	dir := newFakeDirectory("alice")
	svc := newTestService(dir, Config{})

	// No active calls: must be a silent no-op.
	svc.PeerDisconnected("alice")
	if got := svc.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestService_DefaultRingTimeout(t *testing.T) {
	svc := newTestService(newFakeDirectory(), Config{})
	if svc.ringFor != DefaultRingTimeout {
		t.Fatalf("ringFor = %v, want %v", svc.ringFor, DefaultRingTimeout)
	}
	svc = newTestService(newFakeDirectory(), Config{RingTimeout: time.Minute})
	if svc.ringFor != time.Minute {
		t.Fatalf("ringFor = %v, want %v", svc.ringFor, time.Minute)
	}
}

func TestService_SweepStuckRinging(t *testing.T) {
	dir := newFakeDirectory("alice", "bob", "carol", "dave")
	// Long ring timeout so the regular timer never fires during the test.
	svc := newTestService(dir, Config{RingTimeout: time.Hour})

	call, err := svc.Initiate(context.Background(), "alice", "bob", models.MediaAudio)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := svc.Initiate(context.Background(), "carol", "dave", models.MediaVideo); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	// Age only the first call past the cutoff.
	svc.mu.Lock()
	svc.calls[call.ID].call.InitiatedAt = time.Now().Add(-5 * time.Minute)
	svc.mu.Unlock()

	if got := svc.SweepStuckRinging(2 * time.Minute); got != 1 {
		t.Fatalf("SweepStuckRinging() = %d, want 1", got)
	}
	if got := svc.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	for _, identity := range []string{"alice", "bob"} {
		ended := decodeEnded(t, dir.conn(t, identity).last(t))
		if ended.CallID != call.ID || ended.Reason != models.EndReasonTimedOut {
			t.Fatalf("%s got CallEnded %+v, want call %s timed_out", identity, ended, call.ID)
		}
	}
	if got := dir.conn(t, "carol").count(wire.KindCallEnded); got != 0 {
		t.Fatalf("carol received %d call_ended frames, want 0", got)
	}

	// A second sweep finds nothing.
	if got := svc.SweepStuckRinging(2 * time.Minute); got != 0 {
		t.Fatalf("second SweepStuckRinging() = %d, want 0", got)
	}
}

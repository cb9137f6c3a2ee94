package models

import "time"

// MediaKind selects the media plane negotiated for a call. Pulse only
// signals the call; the media engine itself is out of scope.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// CallStatus is the signaling state of a call.
type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallEnded    CallStatus = "ended"
	CallTimedOut CallStatus = "timed_out"
)

// Terminal reports whether the call has reached a final state. A terminal
// call is evicted from the active-call table and only survives as history.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallRejected, CallEnded, CallTimedOut:
		return true
	}
	return false
}

// End reasons carried on call_ended notifications.
const (
	EndReasonHangup           = "hangup"
	EndReasonRejected         = "rejected"
	EndReasonTimedOut         = "timed_out"
	EndReasonPeerDisconnected = "peer_disconnected"
	EndReasonPeerUnavailable  = "peer_unavailable"
)

// Call is one two-party call tracked by the signaling state machine.
type Call struct {
	ID          string     `json:"call_id"`
	CallerID    string     `json:"caller_id"`
	ReceiverID  string     `json:"receiver_id"`
	Media       MediaKind  `json:"media"`
	Status      CallStatus `json:"status"`
	InitiatedAt time.Time  `json:"initiated_at"`
	ResolvedAt  time.Time  `json:"resolved_at,omitempty"`
	EndReason   string     `json:"end_reason,omitempty"`
	EndedBy     string     `json:"ended_by,omitempty"`
}

// Peer returns the other party of the call, or "" when identity is not a
// participant.
func (c *Call) Peer(identity string) string {
	switch identity {
	case c.CallerID:
		return c.ReceiverID
	case c.ReceiverID:
		return c.CallerID
	}
	return ""
}

// PairKey returns a key identifying the unordered participant pair. At most
// one non-terminal call may exist per pair.
func (c *Call) PairKey() string {
	return PairKey(c.CallerID, c.ReceiverID)
}

// PairKey builds the canonical unordered-pair key for two identities.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

package wire

import (
	"time"

	"github.com/studyloop/pulse/pkg/models"
)

// ClientInfo identifies the connecting program in the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Resume carries the per-thread high-water marks a reconnecting client has
// already applied, so the relay can settle retries of those messages
// without redelivering them. Keys are "<senderId>|<threadId>".
type Resume struct {
	LastSeq map[string]uint64 `json:"lastSeq,omitempty"`
}

// Hello is the first frame a client must send after the socket opens.
type Hello struct {
	Identity string     `json:"identity"`
	Token    string     `json:"token"`
	Client   ClientInfo `json:"client"`
	Resume   *Resume    `json:"resume,omitempty"`
}

// HelloOK acknowledges a successful handshake and hands the client its
// heartbeat contract.
type HelloOK struct {
	SessionID      string    `json:"sessionId"`
	ServerTime     time.Time `json:"serverTime"`
	PingIntervalMS int64     `json:"pingIntervalMs"`
	PongTimeoutMS  int64     `json:"pongTimeoutMs"`
}

// Heartbeat is the payload of ping and pong frames.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// Ack resolves a correlated request. OK=false carries a stable error code;
// requests that create an object echo it back (a call, a message id).
type Ack struct {
	OK        bool         `json:"ok"`
	Code      string       `json:"code,omitempty"`
	Message   string       `json:"message,omitempty"`
	Call      *models.Call `json:"call,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
}

// Stable ack/error codes.
const (
	CodeUnauthorized    = "unauthorized"
	CodeBadFrame        = "bad_frame"
	CodePeerUnavailable = "peer_unavailable"
	CodeCallInProgress  = "call_in_progress"
	CodeCallNotFound    = "call_not_found"
	CodeInvalidState    = "invalid_state"
	CodeNotParticipant  = "not_participant"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// ProtocolError is a non-correlated error pushed by the relay, e.g. for a
// frame that failed validation before any correlation id was read.
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InitiateCall asks the relay to ring a peer.
type InitiateCall struct {
	ReceiverID string           `json:"receiverId"`
	Media      models.MediaKind `json:"media"`
}

// CallInitiated rings the receiving client.
type CallInitiated struct {
	CallID      string           `json:"callId"`
	CallerID    string           `json:"callerId"`
	Media       models.MediaKind `json:"media"`
	InitiatedAt time.Time        `json:"initiatedAt"`
}

// AcceptCall answers a ringing call.
type AcceptCall struct {
	CallID string `json:"callId"`
}

// CallAccepted tells the caller the receiver picked up.
type CallAccepted struct {
	CallID string `json:"callId"`
}

// RejectCall declines a ringing call.
type RejectCall struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// CallRejected tells the caller the receiver declined.
type CallRejected struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// EndCall hangs up a ringing or accepted call.
type EndCall struct {
	CallID string `json:"callId"`
}

// CallEnded tells the surviving party the call is over. Reason is one of
// the models end-reason constants (hangup, timed_out, peer_disconnected).
type CallEnded struct {
	CallID  string `json:"callId"`
	EndedBy string `json:"endedBy,omitempty"`
	Reason  string `json:"reason"`
}

// ChatMessage is the payload of send_message (client to relay) and
// message_received (relay to receiver). The relay never rewrites it beyond
// stamping the sender identity.
type ChatMessage struct {
	MessageID  string             `json:"messageId"`
	ThreadID   string             `json:"threadId"`
	SenderID   string             `json:"senderId,omitempty"`
	ReceiverID string             `json:"receiverId,omitempty"`
	Content    string             `json:"content"`
	Type       models.MessageType `json:"type"`
	Priority   models.Priority    `json:"priority,omitempty"`
	Seq        uint64             `json:"seq"`
	SentAt     time.Time          `json:"sentAt"`
}

// ChatFromModel projects a domain message onto the wire shape.
func ChatFromModel(m *models.Message) ChatMessage {
	return ChatMessage{
		MessageID:  m.ID,
		ThreadID:   m.ThreadID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Type:       m.Type,
		Priority:   m.Priority,
		Seq:        m.Seq,
		SentAt:     m.SentAt,
	}
}

// Model converts the wire shape back into a domain message. Status is left
// for the receiving pipeline to assign.
func (c ChatMessage) Model() models.Message {
	return models.Message{
		ID:         c.MessageID,
		ThreadID:   c.ThreadID,
		SenderID:   c.SenderID,
		ReceiverID: c.ReceiverID,
		Content:    c.Content,
		Type:       c.Type,
		Priority:   c.Priority,
		Seq:        c.Seq,
		SentAt:     c.SentAt,
	}
}

// Receipt is the payload of message_delivered and message_read. To names
// the identity the receipt routes to (the original message's sender); the
// relay itself keeps no thread membership.
type Receipt struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
	To        string `json:"to,omitempty"`
	By        string `json:"by,omitempty"`
}

// Typing is the payload of user_typing and user_stopped_typing. Best
// effort: never queued, never acked.
type Typing struct {
	ThreadID   string `json:"threadId"`
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
}

// PresenceUpdate sets the sender's own presence (client to relay) or
// notifies a subscriber of a peer's change (relay to client).
type PresenceUpdate struct {
	Identity     string                `json:"identity,omitempty"`
	Status       models.PresenceStatus `json:"status"`
	CustomStatus string                `json:"customStatus,omitempty"`
	Timestamp    time.Time             `json:"timestamp,omitempty"`
}

// PresenceSubscription adds or removes presence watch targets.
type PresenceSubscription struct {
	Identities []string `json:"identities,omitempty"`
	Room       string   `json:"room,omitempty"`
}

// HelpTargetBroadcast fans a help request out to every available tutor
// instead of a single identity.
const HelpTargetBroadcast = "broadcast"

// HelpRequest asks one tutor, or all available tutors, for help.
type HelpRequest struct {
	RequesterID string          `json:"requesterId,omitempty"`
	TargetID    string          `json:"targetId"`
	Subject     string          `json:"subject"`
	Message     string          `json:"message,omitempty"`
	Urgency     models.Priority `json:"urgency,omitempty"`
}

// Package models defines the domain entities shared by the Pulse client,
// the relay server, and the surrounding application.
package models

import "time"

// MessageType classifies a chat message payload.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageSystem      MessageType = "system"
	MessageHelpRequest MessageType = "help_request"
)

// Priority orders queued work and gates notification filtering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a comparable weight for queue ordering. Higher drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// MessageStatus is the delivery state of an outbound message.
//
// The lattice only moves forward: sending -> sent -> delivered -> read, with
// failed reachable from sending and sent. A message never re-enters sending
// once it has been acknowledged by the relay.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders the forward statuses; failed is handled separately.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are possible.
func (s MessageStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// CanTransition reports whether moving from s to next preserves
// the monotonic status invariant.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if s == next {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		// Delivery that already reached the recipient cannot fail afterwards.
		return s == StatusSending || s == StatusSent
	}
	return next.rank() > s.rank()
}

// Message is a chat message flowing through the delivery pipeline.
//
// ReceiverID is empty for broadcast messages (e.g. a help request sent to
// every available tutor). Seq is assigned by the sender and increases
// monotonically per (SenderID, ThreadID); receivers apply messages in Seq
// order within a thread.
type Message struct {
	ID         string        `json:"id"`
	ThreadID   string        `json:"thread_id"`
	SenderID   string        `json:"sender_id"`
	ReceiverID string        `json:"receiver_id,omitempty"`
	Content    string        `json:"content"`
	Type       MessageType   `json:"type"`
	Status     MessageStatus `json:"status"`
	Priority   Priority      `json:"priority"`
	Seq        uint64        `json:"seq"`
	SentAt     time.Time     `json:"sent_at"`
}

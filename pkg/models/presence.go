package models

import "time"

// PresenceStatus is a user's live availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Presence is the broadcastable availability of one identity.
//
// LastSeenAt is only advanced on the transition to offline so that "last
// seen" reflects when the user actually left, not the most recent heartbeat.
type Presence struct {
	Identity     string         `json:"identity"`
	Status       PresenceStatus `json:"status"`
	CustomStatus string         `json:"custom_status,omitempty"`
	Room         string         `json:"room,omitempty"`
	LastSeenAt   time.Time      `json:"last_seen_at,omitempty"`
}

// Equal reports whether two presences would produce the same broadcast.
// Identical consecutive updates are suppressed by the broadcaster.
func (p Presence) Equal(other Presence) bool {
	return p.Status == other.Status && p.CustomStatus == other.CustomStatus
}

// PresenceEvent is the fan-out record delivered to subscribers.
type PresenceEvent struct {
	Identity     string         `json:"identity"`
	Status       PresenceStatus `json:"status"`
	CustomStatus string         `json:"custom_status,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

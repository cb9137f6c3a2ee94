package models

import "time"

// Role is the marketplace role carried in the handshake token.
type Role string

const (
	RoleTutor   Role = "tutor"
	RoleStudent Role = "student"
)

// ConnectionInfo is the observable snapshot of one live relay
// connection, served on the status surface. The connection itself is
// transient and owned by the session registry; this is a copy.
type ConnectionInfo struct {
	SessionID    string    `json:"session_id"`
	Identity     string    `json:"identity"`
	Role         Role      `json:"role,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

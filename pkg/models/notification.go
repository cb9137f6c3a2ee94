package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NotificationType classifies what produced a notification.
type NotificationType string

const (
	NotifyMessage     NotificationType = "message"
	NotifyCall        NotificationType = "call"
	NotifyHelpRequest NotificationType = "help_request"
	NotifySystem      NotificationType = "system"
)

// Notification is a deliverable, preference-filtered alert surfaced to the
// UI/push layer. Read and expiry are the only mutations after creation.
type Notification struct {
	ID            string           `json:"id"`
	Target        string           `json:"target"`
	Type          NotificationType `json:"type"`
	Priority      Priority         `json:"priority"`
	Title         string           `json:"title"`
	Body          string           `json:"body"`
	SourceEventID string           `json:"source_event_id"`

	// Push and InApp mirror the target's channel toggles at emission
	// time; the delivery layer routes on them.
	Push  bool `json:"push"`
	InApp bool `json:"in_app"`

	CreatedAt time.Time `json:"created_at"`
	ReadAt    time.Time `json:"read_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the notification has passed its expiry.
func (n *Notification) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && !now.Before(n.ExpiresAt)
}

// Preference holds a user's notification settings. It is owned by the user
// and read-only input to the notification dispatcher.
type Preference struct {
	Identity        string                    `json:"identity"`
	PushEnabled     bool                      `json:"push_enabled"`
	InAppEnabled    bool                      `json:"in_app_enabled"`
	TypeToggles     map[NotificationType]bool `json:"type_toggles,omitempty"`
	QuietHoursStart string                    `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string                    `json:"quiet_hours_end,omitempty"`
	MutedIdentities []string                  `json:"muted_identities,omitempty"`
	MutedGroups     []string                  `json:"muted_groups,omitempty"`
}

// DefaultPreference returns the settings applied when a user has never
// saved any: everything enabled, no quiet hours, nothing muted.
func DefaultPreference(identity string) Preference {
	return Preference{
		Identity:     identity,
		PushEnabled:  true,
		InAppEnabled: true,
	}
}

// TypeEnabled reports whether notifications of the given type are switched
// on. Types absent from the toggle map default to enabled.
func (p Preference) TypeEnabled(t NotificationType) bool {
	if p.TypeToggles == nil {
		return true
	}
	enabled, ok := p.TypeToggles[t]
	if !ok {
		return true
	}
	return enabled
}

// Muted reports whether the sender or any of its groups are muted.
func (p Preference) Muted(sender string, groups ...string) bool {
	for _, id := range p.MutedIdentities {
		if id == sender {
			return true
		}
	}
	for _, g := range groups {
		for _, mg := range p.MutedGroups {
			if mg == g {
				return true
			}
		}
	}
	return false
}

// QuietAt reports whether t falls inside the configured quiet-hours window
// [start, end), which may wrap across midnight. An unset or invalid window
// never matches.
func (p Preference) QuietAt(t time.Time) bool {
	start, ok := parseClock(p.QuietHoursStart)
	if !ok {
		return false
	}
	end, ok := parseClock(p.QuietHoursEnd)
	if !ok {
		return false
	}
	if start == end {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	// Window wraps across midnight, e.g. 22:00 -> 08:00.
	return minute >= start || minute < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	h, m, ok := splitClock(s)
	if !ok {
		return 0, false
	}
	return h*60 + m, true
}

func splitClock(s string) (int, int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// ValidateQuietHours checks that both bounds parse when either is set.
func (p Preference) ValidateQuietHours() error {
	if p.QuietHoursStart == "" && p.QuietHoursEnd == "" {
		return nil
	}
	if _, ok := parseClock(p.QuietHoursStart); !ok {
		return fmt.Errorf("invalid quiet_hours_start %q", p.QuietHoursStart)
	}
	if _, ok := parseClock(p.QuietHoursEnd); !ok {
		return fmt.Errorf("invalid quiet_hours_end %q", p.QuietHoursEnd)
	}
	return nil
}

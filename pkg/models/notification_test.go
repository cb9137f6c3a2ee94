package models

import (
	"testing"
	"time"
)

func TestPreference_QuietAt_WrappingWindow(t *testing.T) {
	pref := Preference{
		Identity:        "student-1",
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "08:00",
	}

	tests := []struct {
		name  string
		hour  int
		min   int
		quiet bool
	}{
		{"before window", 21, 59, false},
		{"window start", 22, 0, true},
		{"late evening", 23, 30, true},
		{"midnight", 0, 0, true},
		{"early morning", 6, 45, true},
		{"just before end", 7, 59, true},
		{"window end is exclusive", 8, 0, false},
		{"midday", 13, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Date(2025, 3, 10, tt.hour, tt.min, 0, 0, time.UTC)
			if got := pref.QuietAt(at); got != tt.quiet {
				t.Errorf("QuietAt(%02d:%02d) = %v, want %v", tt.hour, tt.min, got, tt.quiet)
			}
		})
	}
}

func TestPreference_QuietAt_SameDayWindow(t *testing.T) {
	pref := Preference{
		QuietHoursStart: "12:00",
		QuietHoursEnd:   "14:00",
	}

	in := time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)
	out := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

	if !pref.QuietAt(in) {
		t.Error("13:00 should be quiet for a 12:00-14:00 window")
	}
	if pref.QuietAt(out) {
		t.Error("15:00 should not be quiet for a 12:00-14:00 window")
	}
}

func TestPreference_QuietAt_UnsetOrInvalid(t *testing.T) {
	at := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		start string
		end   string
	}{
		{"unset", "", ""},
		{"only start", "22:00", ""},
		{"garbage start", "late", "08:00"},
		{"out of range hour", "25:00", "08:00"},
		{"out of range minute", "22:61", "08:00"},
		{"zero width window", "22:00", "22:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := Preference{QuietHoursStart: tt.start, QuietHoursEnd: tt.end}
			if pref.QuietAt(at) {
				t.Error("window should never match")
			}
		})
	}
}

func TestPreference_TypeEnabled(t *testing.T) {
	pref := Preference{
		TypeToggles: map[NotificationType]bool{
			NotifyMessage: false,
			NotifyCall:    true,
		},
	}

	if pref.TypeEnabled(NotifyMessage) {
		t.Error("message notifications should be disabled")
	}
	if !pref.TypeEnabled(NotifyCall) {
		t.Error("call notifications should be enabled")
	}
	if !pref.TypeEnabled(NotifySystem) {
		t.Error("types absent from the toggle map should default to enabled")
	}

	var empty Preference
	if !empty.TypeEnabled(NotifyMessage) {
		t.Error("nil toggle map should default to enabled")
	}
}

func TestPreference_Muted(t *testing.T) {
	pref := Preference{
		MutedIdentities: []string{"spammer-1"},
		MutedGroups:     []string{"algebra-cohort"},
	}

	if !pref.Muted("spammer-1") {
		t.Error("muted identity should be muted")
	}
	if pref.Muted("tutor-1") {
		t.Error("unmuted identity should not be muted")
	}
	if !pref.Muted("tutor-1", "algebra-cohort") {
		t.Error("sender in a muted group should be muted")
	}
	if pref.Muted("tutor-1", "geometry-cohort") {
		t.Error("sender in an unmuted group should not be muted")
	}
}

func TestDefaultPreference(t *testing.T) {
	pref := DefaultPreference("student-1")

	if pref.Identity != "student-1" {
		t.Errorf("Identity = %q, want %q", pref.Identity, "student-1")
	}
	if !pref.PushEnabled || !pref.InAppEnabled {
		t.Error("default preference should enable both channels")
	}
	if pref.QuietAt(time.Now()) {
		t.Error("default preference should have no quiet hours")
	}
}

func TestPreference_ValidateQuietHours(t *testing.T) {
	good := Preference{QuietHoursStart: "22:00", QuietHoursEnd: "08:00"}
	if err := good.ValidateQuietHours(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	var unset Preference
	if err := unset.ValidateQuietHours(); err != nil {
		t.Errorf("unexpected error for unset window: %v", err)
	}

	bad := Preference{QuietHoursStart: "22:00", QuietHoursEnd: "late"}
	if err := bad.ValidateQuietHours(); err == nil {
		t.Error("expected error for unparseable end bound")
	}
}

func TestNotification_Expired(t *testing.T) {
	now := time.Now()

	n := Notification{ID: "n-1", ExpiresAt: now.Add(time.Hour)}
	if n.Expired(now) {
		t.Error("notification should not be expired before its deadline")
	}
	if !n.Expired(now.Add(2 * time.Hour)) {
		t.Error("notification should be expired after its deadline")
	}

	forever := Notification{ID: "n-2"}
	if forever.Expired(now.Add(1000 * time.Hour)) {
		t.Error("notification without expiry should never expire")
	}
}

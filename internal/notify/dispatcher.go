// Package notify turns relay and client events into user-facing
// notifications. Every event runs through the target's preference filters
// before anything surfaces; what the dispatcher emits is ready for the
// UI or push layer as-is.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/pulse/internal/cache"
	"github.com/studyloop/pulse/internal/observability"
	"github.com/studyloop/pulse/internal/store"
	"github.com/studyloop/pulse/pkg/models"
)

// Dispatch outcomes recorded on the notification counter.
const (
	OutcomeEmitted          = "emitted"
	OutcomeMuted            = "muted"
	OutcomeChannelsDisabled = "channels_disabled"
	OutcomeTypeDisabled     = "type_disabled"
	OutcomeQuietHours       = "quiet_hours"
	OutcomeDuplicate        = "duplicate"
	OutcomeExpired          = "expired"
)

// Event is one occurrence a component wants surfaced to a user: a chat
// message, an incoming or missed call, a help request, a system notice.
type Event struct {
	// ID is the source event id (message id, call id). At most one
	// notification is emitted per target and id.
	ID string

	// Target is the identity to notify.
	Target string

	Type     models.NotificationType
	Priority models.Priority
	Title    string
	Body     string

	// Sender is the originating identity, checked against the target's
	// mute list.
	Sender string

	// Groups are the sender's group memberships, checked against group
	// mutes.
	Groups []string

	// ExpiresAt marks when the event stops being worth surfacing. Zero
	// means it never expires.
	ExpiresAt time.Time
}

// Config tunes the dispatcher.
type Config struct {
	// DedupeTTL bounds how long a source event id keeps suppressing
	// repeats. Zero means cache.DefaultTTL.
	DedupeTTL time.Duration

	// DedupeMaxSize caps the dedup cache. Zero means cache.DefaultMaxSize.
	DedupeMaxSize int
}

// Dispatcher filters events through each target's preferences and emits
// deliverable notifications. Safe for concurrent use.
type Dispatcher struct {
	prefs   store.PreferenceStore
	dedupe  *cache.DedupeCache
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

// NewDispatcher wires a dispatcher over the given preference store. A nil
// logger falls back to slog.Default; nil metrics degrade to no-ops.
func NewDispatcher(prefs store.PreferenceStore, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Dispatcher{
		prefs:   prefs,
		dedupe:  cache.NewDedupeCache(cfg.DedupeTTL, cfg.DedupeMaxSize),
		logger:  logger,
		metrics: metrics,
		clock:   time.Now,
	}
}

// Dispatch runs event through the filter pipeline and returns the emitted
// notification, or (nil, false) when a rule suppressed it. Rules apply in
// a fixed order and the first match wins: expiry, mutes, channel toggles,
// type toggles, quiet hours, dedup. Urgent events pass quiet hours. Dedup
// is checked last, at the emission point, so an event suppressed by quiet
// hours can still surface when redispatched after the window ends. The
// emitted notification carries the target's channel toggles so the
// delivery layer can route push separately from in-app.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) (*models.Notification, bool) {
	now := d.clock()
	if !event.ExpiresAt.IsZero() && !now.Before(event.ExpiresAt) {
		return d.suppress(event, OutcomeExpired)
	}

	pref := d.preference(ctx, event.Target)
	if pref.Muted(event.Sender, event.Groups...) {
		return d.suppress(event, OutcomeMuted)
	}
	if !pref.PushEnabled && !pref.InAppEnabled {
		return d.suppress(event, OutcomeChannelsDisabled)
	}
	if !pref.TypeEnabled(event.Type) {
		return d.suppress(event, OutcomeTypeDisabled)
	}
	if event.Priority != models.PriorityUrgent && pref.QuietAt(now) {
		return d.suppress(event, OutcomeQuietHours)
	}
	if d.dedupe.CheckAt(cache.EventKey(event.Target, event.ID), now) {
		return d.suppress(event, OutcomeDuplicate)
	}

	n := &models.Notification{
		ID:            uuid.NewString(),
		Target:        event.Target,
		Type:          event.Type,
		Priority:      event.Priority,
		Title:         event.Title,
		Body:          event.Body,
		SourceEventID: event.ID,
		Push:          pref.PushEnabled,
		InApp:         pref.InAppEnabled,
		CreatedAt:     now,
		ExpiresAt:     event.ExpiresAt,
	}
	d.metrics.NotificationOutcome(OutcomeEmitted)
	d.logger.Debug("notification emitted",
		"target", event.Target,
		"type", string(event.Type),
		"source", event.ID)
	return n, true
}

func (d *Dispatcher) suppress(event Event, outcome string) (*models.Notification, bool) {
	d.metrics.NotificationOutcome(outcome)
	d.logger.Debug("notification suppressed",
		"target", event.Target,
		"type", string(event.Type),
		"source", event.ID,
		"outcome", outcome)
	return nil, false
}

// preference loads the target's settings, falling back to the defaults
// when none are stored or the store is unreachable. Filtering fails open:
// a broken store must not silence every notification.
func (d *Dispatcher) preference(ctx context.Context, target string) models.Preference {
	pref, err := d.prefs.Get(ctx, target)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("load preference, using defaults", "identity", target, "error", err)
		}
		return models.DefaultPreference(target)
	}
	return *pref
}

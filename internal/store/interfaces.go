package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// OfflineEntry is one outbound frame parked while its sender has no
// usable connection.
type OfflineEntry struct {
	ID         string          `json:"id"`
	Envelope   wire.Envelope   `json:"envelope"`
	Priority   models.Priority `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// OfflineQueue persists frames awaiting a reconnect. Entries leave the
// queue only through Remove; giving up on an entry is the caller's call
// and must be surfaced, not swallowed here.
type OfflineQueue interface {
	Enqueue(ctx context.Context, entry *OfflineEntry) error
	// Pending returns every queued entry, highest priority first and
	// oldest first within a priority.
	Pending(ctx context.Context) ([]*OfflineEntry, error)
	// MarkAttempt records one more delivery attempt and returns the
	// updated count.
	MarkAttempt(ctx context.Context, id string) (int, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// PreferenceStore persists notification preferences keyed by identity.
type PreferenceStore interface {
	// Get returns ErrNotFound for identities that never saved settings;
	// callers fall back to models.DefaultPreference.
	Get(ctx context.Context, identity string) (*models.Preference, error)
	Put(ctx context.Context, pref *models.Preference) error
	// Replace swaps the entire preference set atomically. File reloads
	// go through here.
	Replace(ctx context.Context, prefs []*models.Preference) error
	All(ctx context.Context) ([]*models.Preference, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Offline     OfflineQueue
	Preferences PreferenceStore
	closer      func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Open builds a StoreSet for the configured driver.
func Open(driver, path string) (StoreSet, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStores(), nil
	case "sqlite":
		return NewSQLiteStores(path)
	default:
		return StoreSet{}, fmt.Errorf("unknown store driver %q", driver)
	}
}

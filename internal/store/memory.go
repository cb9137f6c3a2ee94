package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/studyloop/pulse/pkg/models"
)

// MemoryOfflineQueue provides an in-memory OfflineQueue.
type MemoryOfflineQueue struct {
	mu      sync.RWMutex
	entries map[string]*OfflineEntry
}

// NewMemoryOfflineQueue creates an in-memory offline queue.
func NewMemoryOfflineQueue() *MemoryOfflineQueue {
	return &MemoryOfflineQueue{entries: make(map[string]*OfflineEntry)}
}

func (q *MemoryOfflineQueue) Enqueue(ctx context.Context, entry *OfflineEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("entry is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.entries[entry.ID]; exists {
		return ErrAlreadyExists
	}
	q.entries[entry.ID] = entry
	return nil
}

func (q *MemoryOfflineQueue) Pending(ctx context.Context) ([]*OfflineEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	entries := make([]*OfflineEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

// sortEntries orders by priority rank, then enqueue time, then ID so
// that drains are deterministic.
func sortEntries(entries []*OfflineEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if ri, rj := entries[i].Priority.Rank(), entries[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func (q *MemoryOfflineQueue) MarkAttempt(ctx context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return 0, ErrNotFound
	}
	entry.Attempts++
	return entry.Attempts, nil
}

func (q *MemoryOfflineQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return ErrNotFound
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryOfflineQueue) Len(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries), nil
}

// MemoryPreferenceStore provides an in-memory PreferenceStore.
type MemoryPreferenceStore struct {
	mu    sync.RWMutex
	prefs map[string]*models.Preference
}

// NewMemoryPreferenceStore creates an in-memory preference store.
func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{prefs: make(map[string]*models.Preference)}
}

func (s *MemoryPreferenceStore) Get(ctx context.Context, identity string) (*models.Preference, error) {
	if identity == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	pref, ok := s.prefs[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return pref, nil
}

func (s *MemoryPreferenceStore) Put(ctx context.Context, pref *models.Preference) error {
	if pref == nil || pref.Identity == "" {
		return fmt.Errorf("preference identity is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[pref.Identity] = pref
	return nil
}

func (s *MemoryPreferenceStore) Replace(ctx context.Context, prefs []*models.Preference) error {
	next := make(map[string]*models.Preference, len(prefs))
	for _, pref := range prefs {
		if pref == nil || pref.Identity == "" {
			return fmt.Errorf("preference identity is required")
		}
		next[pref.Identity] = pref
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = next
	return nil
}

func (s *MemoryPreferenceStore) All(ctx context.Context) ([]*models.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs := make([]*models.Preference, 0, len(s.prefs))
	for _, pref := range s.prefs {
		prefs = append(prefs, pref)
	}
	sort.Slice(prefs, func(i, j int) bool {
		return prefs[i].Identity < prefs[j].Identity
	})
	return prefs, nil
}

// NewMemoryStores constructs a StoreSet backed by memory.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Offline:     NewMemoryOfflineQueue(),
		Preferences: NewMemoryPreferenceStore(),
	}
}

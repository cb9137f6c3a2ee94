// Package presence tracks user availability and fans out changes to
// subscribed watchers.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/studyloop/pulse/pkg/models"
)

// Sink receives presence events for one watcher.
//
// Sinks must not block and must not call back into the Broadcaster:
// the gateway sink enqueues into the session's buffered writer, which
// is where the asynchrony lives. A slow watcher overflows its own
// buffer and gets closed without holding anyone else up.
type Sink func(event models.PresenceEvent)

// Broadcaster owns the presence map and the subscriber sets.
//
// All mutation is synchronous under one mutex so that events reach
// each watcher in the order the transitions happened. Identical
// consecutive (status, customStatus) pairs are suppressed.
type Broadcaster struct {
	mu     sync.RWMutex
	logger *slog.Logger
	clock  func() time.Time

	states   map[string]models.Presence
	gens     map[string]uint64
	sinks    map[string]Sink
	sinkGens map[string]uint64
	watchers map[string]map[string]struct{}
	rooms    map[string]map[string]struct{}
}

// Option tweaks broadcaster construction.
type Option func(*Broadcaster)

// WithClock substitutes the time source. Tests pin it.
func WithClock(clock func() time.Time) Option {
	return func(b *Broadcaster) {
		b.clock = clock
	}
}

// New creates an empty broadcaster. If logger is nil, slog.Default()
// is used.
func New(logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		logger:   logger,
		clock:    time.Now,
		states:   make(map[string]models.Presence),
		gens:     make(map[string]uint64),
		sinks:    make(map[string]Sink),
		sinkGens: make(map[string]uint64),
		watchers: make(map[string]map[string]struct{}),
		rooms:    make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach registers the delivery sink for a watcher. A reconnecting
// watcher attaches again with a higher connection generation and the
// new sink replaces the old one; a stale generation is dropped.
func (b *Broadcaster) Attach(watcher string, sink Sink, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen < b.sinkGens[watcher] {
		return
	}
	b.sinks[watcher] = sink
	b.sinkGens[watcher] = gen
}

// Detach removes the watcher's sink and every subscription it holds.
// Runs on the disconnect path. A gen older than the attached sink's
// means a replacement connection already took over, and the old
// session's teardown must not tear down the new session's state.
func (b *Broadcaster) Detach(watcher string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen < b.sinkGens[watcher] {
		return
	}
	delete(b.sinks, watcher)
	delete(b.sinkGens, watcher)
	for target, set := range b.watchers {
		delete(set, watcher)
		if len(set) == 0 {
			delete(b.watchers, target)
		}
	}
	for room, set := range b.rooms {
		delete(set, watcher)
		if len(set) == 0 {
			delete(b.rooms, room)
		}
	}
}

// Subscribe makes watcher receive presence events for each target.
func (b *Broadcaster) Subscribe(watcher string, targets ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, target := range targets {
		if target == "" || target == watcher {
			continue
		}
		set, ok := b.watchers[target]
		if !ok {
			set = make(map[string]struct{})
			b.watchers[target] = set
		}
		set[watcher] = struct{}{}
	}
}

// Unsubscribe stops delivery of the targets' events to watcher.
func (b *Broadcaster) Unsubscribe(watcher string, targets ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, target := range targets {
		set, ok := b.watchers[target]
		if !ok {
			continue
		}
		delete(set, watcher)
		if len(set) == 0 {
			delete(b.watchers, target)
		}
	}
}

// SubscribeRoom joins watcher to a room. Room members see each other's
// presence, so joining both places the watcher's own presence in the
// room and subscribes it to the other members.
func (b *Broadcaster) SubscribeRoom(watcher, room string) {
	if room == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.rooms[room]
	if !ok {
		set = make(map[string]struct{})
		b.rooms[room] = set
	}
	set[watcher] = struct{}{}

	state := b.states[watcher]
	state.Identity = watcher
	state.Room = room
	b.states[watcher] = state
}

// UnsubscribeRoom removes watcher from a room.
func (b *Broadcaster) UnsubscribeRoom(watcher, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.rooms[room]
	if ok {
		delete(set, watcher)
		if len(set) == 0 {
			delete(b.rooms, room)
		}
	}
	if state, ok := b.states[watcher]; ok && state.Room == room {
		state.Room = ""
		b.states[watcher] = state
	}
}

// SetConnected marks identity online. Stale generations (an event from
// a connection that has already been replaced) are ignored.
func (b *Broadcaster) SetConnected(identity string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen < b.gens[identity] {
		return
	}
	b.gens[identity] = gen

	prev := b.states[identity]
	next := prev
	next.Identity = identity
	next.Status = models.PresenceOnline
	b.applyLocked(prev, next)
}

// SetDisconnected marks identity offline unless a newer connection has
// registered in the meantime, which would otherwise flicker a fast
// reconnect through offline.
func (b *Broadcaster) SetDisconnected(identity string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gens[identity] > gen {
		return
	}

	prev := b.states[identity]
	next := prev
	next.Identity = identity
	next.Status = models.PresenceOffline
	b.applyLocked(prev, next)
}

// Update sets identity's announced status. Identical consecutive pairs
// emit nothing. Invalid statuses are dropped; presence is best-effort
// and never worth closing a connection over.
func (b *Broadcaster) Update(identity string, status models.PresenceStatus, custom string) {
	if !status.Valid() {
		b.logger.Warn("dropping presence update with unknown status",
			"identity", identity,
			"status", string(status))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.states[identity]
	next := prev
	next.Identity = identity
	next.Status = status
	next.CustomStatus = custom
	b.applyLocked(prev, next)
}

// applyLocked commits a transition and fans it out when it changed the
// broadcastable pair. LastSeenAt advances only when the identity goes
// offline, so "last seen" marks the departure rather than the most
// recent heartbeat.
func (b *Broadcaster) applyLocked(prev, next models.Presence) {
	if next.Status == models.PresenceOffline && prev.Status != models.PresenceOffline {
		next.LastSeenAt = b.clock()
	}
	changed := !prev.Equal(next)
	b.states[next.Identity] = next
	if !changed {
		return
	}

	event := models.PresenceEvent{
		Identity:     next.Identity,
		Status:       next.Status,
		CustomStatus: next.CustomStatus,
		Timestamp:    b.clock(),
	}
	for _, sink := range b.recipientsLocked(next) {
		sink(event)
	}
}

// recipientsLocked gathers the sinks watching an identity, either
// directly or through its room. The identity never hears about itself.
func (b *Broadcaster) recipientsLocked(p models.Presence) []Sink {
	seen := make(map[string]struct{})
	var sinks []Sink
	add := func(watcher string) {
		if watcher == p.Identity {
			return
		}
		if _, dup := seen[watcher]; dup {
			return
		}
		seen[watcher] = struct{}{}
		if sink, ok := b.sinks[watcher]; ok {
			sinks = append(sinks, sink)
		}
	}
	for watcher := range b.watchers[p.Identity] {
		add(watcher)
	}
	if p.Room != "" {
		for watcher := range b.rooms[p.Room] {
			add(watcher)
		}
	}
	return sinks
}

// Snapshot returns the current presence of identity.
func (b *Broadcaster) Snapshot(identity string) (models.Presence, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.states[identity]
	return state, ok
}

// Available returns the identities currently broadcasting online
// presence, sorted. Feeds the observability surface.
func (b *Broadcaster) Available() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for identity, state := range b.states {
		if state.Status == models.PresenceOnline {
			ids = append(ids, identity)
		}
	}
	sort.Strings(ids)
	return ids
}

// Subscribers returns the number of attached watchers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

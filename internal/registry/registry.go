// Package registry tracks the single live connection per identity.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/studyloop/pulse/pkg/wire"
)

// Conn is the transport half the registry manages. Gateway sessions
// implement it; tests substitute fakes.
type Conn interface {
	// Send enqueues an envelope for delivery. Implementations must not
	// block; a full buffer is the implementation's problem to resolve
	// (the gateway closes slow clients).
	Send(env wire.Envelope) error
	// LastActive reports when the connection last showed signs of life.
	LastActive() time.Time
	// Close tears down the transport. Safe to call more than once.
	Close() error
}

type entry struct {
	conn Conn
	gen  uint64
}

// Registry maps identities to their current connection.
//
// Register is last writer wins: a newer connection for the same
// identity displaces the older one. Each binding carries a generation
// number so downstream consumers can tell "replaced" (the identity is
// still here, no offline flicker) apart from "gone".
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	gens    map[string]uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		gens:    make(map[string]uint64),
	}
}

// Register binds conn to identity and returns the displaced connection,
// if any, together with the generation of the new binding. The
// displaced connection is closed before Register returns; callers keep
// the reference for logging and metrics only.
func (r *Registry) Register(identity string, conn Conn) (evicted Conn, gen uint64) {
	r.mu.Lock()
	if prior, ok := r.entries[identity]; ok {
		evicted = prior.conn
	}
	r.gens[identity]++
	gen = r.gens[identity]
	r.entries[identity] = &entry{conn: conn, gen: gen}
	r.mu.Unlock()

	// Close outside the lock: Close may cascade into Evict.
	if evicted != nil {
		_ = evicted.Close()
	}
	return evicted, gen
}

// Lookup returns the live connection for identity.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Evict removes identity's binding only when conn is still the current
// instance. The disconnect path of a connection that has already been
// replaced is a no-op, so an eviction happens exactly once per binding.
func (r *Registry) Evict(identity string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identity]
	if !ok || e.conn != conn {
		return false
	}
	delete(r.entries, identity)
	return true
}

// Generation returns the latest generation issued for identity. It
// keeps counting across evictions so that a re-register always beats
// every earlier binding.
func (r *Registry) Generation(identity string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gens[identity]
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Identities returns the connected identities, sorted.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for identity := range r.entries {
		ids = append(ids, identity)
	}
	sort.Strings(ids)
	return ids
}

// Connections returns identity to connection for every live binding.
// The janitor and the status surface iterate the copy without holding
// the registry lock.
func (r *Registry) Connections() map[string]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make(map[string]Conn, len(r.entries))
	for identity, e := range r.entries {
		conns[identity] = e.conn
	}
	return conns
}

// Snapshot returns identity to generation for every live connection.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[string]uint64, len(r.entries))
	for identity, e := range r.entries {
		snap[identity] = e.gen
	}
	return snap
}

// Package cache holds the small in-memory caches the relay and client keep
// around. DedupeCache backs the notification dispatcher's at-most-once
// guarantee per source event.
package cache

import (
	"sync"
	"time"
)

// Defaults applied when a DedupeCache is built with non-positive settings.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 4096
)

// DedupeCache remembers recently seen keys for a bounded time. Check is an
// atomic test-and-set: it reports whether the key was already seen inside
// the TTL window and marks it seen either way.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewDedupeCache builds a cache. Non-positive ttl or maxSize fall back to
// DefaultTTL and DefaultMaxSize.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check reports whether key was seen within the TTL and records it. An
// empty key is never a duplicate and never stored.
func (c *DedupeCache) Check(key string) bool {
	return c.CheckAt(key, time.Now())
}

// CheckAt is Check with an explicit clock.
func (c *DedupeCache) CheckAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if seenAt, ok := c.seen[key]; ok && now.Sub(seenAt) < c.ttl {
		// Refresh so a hot key keeps suppressing for a full window.
		c.seen[key] = now
		return true
	}
	c.seen[key] = now
	c.pruneLocked(now)
	return false
}

// Contains reports whether key is tracked and unexpired without refreshing
// its timestamp.
func (c *DedupeCache) Contains(key string) bool {
	return c.ContainsAt(key, time.Now())
}

// ContainsAt is Contains with an explicit clock.
func (c *DedupeCache) ContainsAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seenAt, ok := c.seen[key]
	return ok && now.Sub(seenAt) < c.ttl
}

// Remove forgets a key so the next Check treats it as new.
func (c *DedupeCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

// Size reports the number of tracked keys, expired or not.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// pruneLocked drops expired keys, then evicts the oldest survivors until
// the cache fits maxSize again.
func (c *DedupeCache) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for key, seenAt := range c.seen {
		if !seenAt.After(cutoff) {
			delete(c.seen, key)
		}
	}
	for len(c.seen) > c.maxSize {
		var oldestKey string
		var oldestAt time.Time
		for key, seenAt := range c.seen {
			if oldestKey == "" || seenAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = seenAt
			}
		}
		delete(c.seen, oldestKey)
	}
}

// EventKey builds the dedupe key for a notification target and source
// event id. An empty id yields an empty key, which Check never stores.
func EventKey(target, sourceID string) string {
	if sourceID == "" {
		return ""
	}
	if target == "" {
		return sourceID
	}
	return target + ":" + sourceID
}

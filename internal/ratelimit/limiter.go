// Package ratelimit provides token-bucket limiting for inbound frames and
// handshake attempts.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a token bucket.
type Config struct {
	// PerSecond is the sustained refill rate.
	PerSecond float64
	// Burst is the bucket capacity.
	Burst int
}

// DefaultConfig matches the relay's per-connection frame limit.
func DefaultConfig() Config {
	return Config{PerSecond: 50, Burst: 100}
}

// Bucket is a token bucket. One is attached to each websocket session to
// bound inbound frame rate.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a full bucket.
func NewBucket(config Config) *Bucket {
	if config.PerSecond <= 0 {
		config.PerSecond = DefaultConfig().PerSecond
	}
	if config.Burst <= 0 {
		config.Burst = int(config.PerSecond * 2)
	}

	return &Bucket{
		tokens:     float64(config.Burst),
		maxTokens:  float64(config.Burst),
		refillRate: config.PerSecond,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// WaitTime returns how long until the next token becomes available.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		return 0
	}

	needed := 1 - b.tokens
	seconds := needed / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// Limiter manages keyed buckets. The gateway keys one by remote host to
// bound handshake attempts across reconnect storms.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
}

// NewLimiter creates a keyed limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
	}
}

// Allow checks whether a request for the given key may proceed.
func (l *Limiter) Allow(key string) bool {
	return l.getBucket(key).Allow()
}

// getBucket returns or creates a bucket for the given key.
func (l *Limiter) getBucket(key string) *Bucket {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()

	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists = l.buckets[key]; exists {
		return bucket
	}

	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}

	bucket = NewBucket(l.config)
	l.buckets[key] = bucket
	return bucket
}

// prune removes near-full buckets, which belong to inactive keys.
func (l *Limiter) prune() {
	for key, bucket := range l.buckets {
		if bucket.Tokens() >= bucket.maxTokens*0.9 {
			delete(l.buckets, key)
		}
	}
}

// Reset forgets the bucket for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

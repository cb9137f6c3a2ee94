package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBucket_Allow(t *testing.T) {
	bucket := NewBucket(Config{PerSecond: 10, Burst: 5})

	// Should allow burst size requests
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}

	// Next request should be denied
	if bucket.Allow() {
		t.Error("request after burst should be denied")
	}
}

func TestBucket_Refill(t *testing.T) {
	// Fast refill for test
	bucket := NewBucket(Config{PerSecond: 100, Burst: 2})

	bucket.Allow()
	bucket.Allow()

	if bucket.Allow() {
		t.Error("should be denied after exhausting tokens")
	}

	time.Sleep(50 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("should be allowed after refill")
	}
}

func TestBucket_Defaults(t *testing.T) {
	bucket := NewBucket(Config{})

	// Zero config falls back to the default rate with a 2x burst.
	want := DefaultConfig().PerSecond * 2
	if got := bucket.Tokens(); got != want {
		t.Errorf("initial tokens = %f, want %f", got, want)
	}

	if !bucket.Allow() {
		t.Error("zero-config bucket should still allow")
	}
}

func TestBucket_BurstDefault(t *testing.T) {
	bucket := NewBucket(Config{PerSecond: 10})

	if got := bucket.Tokens(); got != 20 {
		t.Errorf("initial tokens = %f, want 20", got)
	}
}

func TestBucket_Tokens(t *testing.T) {
	bucket := NewBucket(Config{PerSecond: 10, Burst: 5})

	initial := bucket.Tokens()
	if initial != 5 {
		t.Errorf("initial tokens = %f, want 5", initial)
	}

	bucket.Allow()
	if after := bucket.Tokens(); after >= initial {
		t.Error("tokens should decrease after Allow()")
	}
}

func TestBucket_WaitTime(t *testing.T) {
	bucket := NewBucket(Config{PerSecond: 10, Burst: 1})

	// No wait initially
	if bucket.WaitTime() != 0 {
		t.Error("should not wait when tokens available")
	}

	bucket.Allow()

	if bucket.WaitTime() <= 0 {
		t.Error("should need to wait when no tokens")
	}
}

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(Config{PerSecond: 10, Burst: 3})

	// Different keys should have separate limits
	for i := 0; i < 3; i++ {
		if !limiter.Allow("alice") {
			t.Errorf("alice request %d should be allowed", i)
		}
	}

	if limiter.Allow("alice") {
		t.Error("alice should be rate limited")
	}

	if !limiter.Allow("bob") {
		t.Error("bob should be allowed")
	}
}

func TestLimiter_Reset(t *testing.T) {
	limiter := NewLimiter(Config{PerSecond: 10, Burst: 2})

	limiter.Allow("alice")
	limiter.Allow("alice")

	if limiter.Allow("alice") {
		t.Error("should be rate limited")
	}

	limiter.Reset("alice")

	if !limiter.Allow("alice") {
		t.Error("should be allowed after reset")
	}
}

func TestLimiter_ConcurrentAllow(t *testing.T) {
	// Slow refill so the allowed count is bounded by the burst.
	limiter := NewLimiter(Config{PerSecond: 1, Burst: 10})

	var (
		mu      sync.Mutex
		allowed int
		wg      sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed < 10 || allowed > 11 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}

func TestLimiter_PruneEvictsIdleBuckets(t *testing.T) {
	limiter := NewLimiter(Config{PerSecond: 10, Burst: 10})

	// One request per key leaves every bucket near full, so when the key
	// count crosses maxKeys the next insert sweeps them all out.
	for i := 0; i <= limiter.maxKeys; i++ {
		limiter.Allow(fmt.Sprintf("session-%d", i))
	}

	if got := len(limiter.buckets); got >= limiter.maxKeys {
		t.Errorf("bucket count = %d, want pruned below %d", got, limiter.maxKeys)
	}

	if !limiter.Allow("fresh-session") {
		t.Error("new key should be allowed after prune")
	}
}

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewDedupeCache(t *testing.T) {
	t.Run("keeps explicit settings", func(t *testing.T) {
		cache := NewDedupeCache(time.Minute, 100)
		if cache.ttl != time.Minute {
			t.Errorf("expected TTL %v, got %v", time.Minute, cache.ttl)
		}
		if cache.maxSize != 100 {
			t.Errorf("expected maxSize 100, got %d", cache.maxSize)
		}
	})

	t.Run("falls back to defaults", func(t *testing.T) {
		cache := NewDedupeCache(0, -5)
		if cache.ttl != DefaultTTL {
			t.Errorf("expected TTL %v, got %v", DefaultTTL, cache.ttl)
		}
		if cache.maxSize != DefaultMaxSize {
			t.Errorf("expected maxSize %d, got %d", DefaultMaxSize, cache.maxSize)
		}
	})
}

func TestDedupeCache_Check(t *testing.T) {
	t.Run("first occurrence is not a duplicate", func(t *testing.T) {
		cache := NewDedupeCache(time.Minute, 100)
		if cache.Check("evt-1") {
			t.Error("expected false for first occurrence")
		}
		if !cache.Check("evt-1") {
			t.Error("expected true for repeat within TTL")
		}
	})

	t.Run("empty key is never stored", func(t *testing.T) {
		cache := NewDedupeCache(time.Minute, 100)
		if cache.Check("") {
			t.Error("expected false for empty key")
		}
		if cache.Size() != 0 {
			t.Errorf("expected empty cache, got %d entries", cache.Size())
		}
	})

	t.Run("expires after TTL", func(t *testing.T) {
		cache := NewDedupeCache(100*time.Millisecond, 100)
		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		cache.CheckAt("evt-1", base)
		if !cache.CheckAt("evt-1", base.Add(50*time.Millisecond)) {
			t.Error("expected true within TTL")
		}
		// The hit at 50ms refreshed the window.
		if !cache.CheckAt("evt-1", base.Add(120*time.Millisecond)) {
			t.Error("expected true after refresh extended the window")
		}
		if cache.CheckAt("evt-1", base.Add(300*time.Millisecond)) {
			t.Error("expected false after TTL expired")
		}
	})

	t.Run("prunes expired entries on insert", func(t *testing.T) {
		cache := NewDedupeCache(100*time.Millisecond, 100)
		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		cache.CheckAt("evt-1", base)
		cache.CheckAt("evt-2", base.Add(50*time.Millisecond))
		cache.CheckAt("evt-3", base.Add(120*time.Millisecond))

		if cache.ContainsAt("evt-1", base.Add(120*time.Millisecond)) {
			t.Error("expected evt-1 to be pruned")
		}
		if !cache.ContainsAt("evt-2", base.Add(120*time.Millisecond)) {
			t.Error("expected evt-2 to survive")
		}
	})
}

func TestDedupeCache_MaxSize(t *testing.T) {
	cache := NewDedupeCache(time.Hour, 2)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.CheckAt("evt-1", base)
	cache.CheckAt("evt-2", base.Add(time.Millisecond))
	cache.CheckAt("evt-3", base.Add(2*time.Millisecond))

	if cache.Size() > 2 {
		t.Fatalf("expected size <= 2, got %d", cache.Size())
	}
	if cache.ContainsAt("evt-1", base.Add(3*time.Millisecond)) {
		t.Error("expected oldest key evt-1 to be evicted")
	}
	if !cache.ContainsAt("evt-3", base.Add(3*time.Millisecond)) {
		t.Error("expected newest key evt-3 to survive")
	}
}

func TestDedupeCache_ContainsDoesNotRefresh(t *testing.T) {
	cache := NewDedupeCache(100*time.Millisecond, 100)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.CheckAt("evt-1", base)

	cache.ContainsAt("evt-1", base.Add(50*time.Millisecond))

	if cache.ContainsAt("evt-1", base.Add(110*time.Millisecond)) {
		t.Error("expected Contains not to extend the TTL")
	}
}

func TestDedupeCache_Remove(t *testing.T) {
	cache := NewDedupeCache(time.Minute, 100)
	cache.Check("evt-1")
	cache.Check("evt-2")

	cache.Remove("evt-1")

	if cache.Contains("evt-1") {
		t.Error("expected evt-1 to be removed")
	}
	if !cache.Contains("evt-2") {
		t.Error("expected evt-2 to still exist")
	}
	if cache.Check("evt-1") {
		t.Error("expected removed key to read as new")
	}
}

func TestDedupeCache_Concurrency(t *testing.T) {
	cache := NewDedupeCache(time.Minute, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("evt-%d", id%26)
				cache.Check(key)
				cache.Contains(key)
				cache.Size()
			}
		}(i)
	}
	wg.Wait()

	if cache.Size() == 0 {
		t.Error("expected entries after concurrent checks")
	}
}

func TestEventKey(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		sourceID string
		expected string
	}{
		{name: "target and source", target: "alice", sourceID: "msg-1", expected: "alice:msg-1"},
		{name: "no target", target: "", sourceID: "msg-1", expected: "msg-1"},
		{name: "no source", target: "alice", sourceID: "", expected: ""},
		{name: "both empty", target: "", sourceID: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EventKey(tt.target, tt.sourceID); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func BenchmarkDedupeCache_Check(b *testing.B) {
	cache := NewDedupeCache(time.Minute, 10000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Check(fmt.Sprintf("evt-%d", i%1000))
	}
}

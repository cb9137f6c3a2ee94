package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/studyloop/pulse/pkg/wire"
)

type fakeConn struct {
	name   string
	closed atomic.Int32
}

func (c *fakeConn) Send(env wire.Envelope) error { return nil }
func (c *fakeConn) LastActive() time.Time        { return time.Now() }
func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	conn := &fakeConn{name: "a"}

	evicted, gen := r.Register("alice", conn)
	if evicted != nil {
		t.Fatalf("Register() evicted = %v, want nil", evicted)
	}
	if gen != 1 {
		t.Fatalf("Register() gen = %d, want 1", gen)
	}

	got, ok := r.Lookup("alice")
	if !ok {
		t.Fatal("Lookup() should find alice")
	}
	if got != Conn(conn) {
		t.Fatal("Lookup() returned a different connection")
	}

	if _, ok := r.Lookup("bob"); ok {
		t.Fatal("Lookup() should miss for unknown identity")
	}
}

func TestRegistry_RegisterDisplacesPrior(t *testing.T) {
	r := New()
	first := &fakeConn{name: "first"}
	second := &fakeConn{name: "second"}

	r.Register("alice", first)
	evicted, gen := r.Register("alice", second)

	if evicted != Conn(first) {
		t.Fatalf("Register() evicted = %v, want first conn", evicted)
	}
	if gen != 2 {
		t.Fatalf("Register() gen = %d, want 2", gen)
	}
	if first.closed.Load() == 0 {
		t.Error("displaced connection should be closed")
	}
	if second.closed.Load() != 0 {
		t.Error("new connection should stay open")
	}

	got, _ := r.Lookup("alice")
	if got != Conn(second) {
		t.Fatal("Lookup() should return the newer connection")
	}
}

func TestRegistry_EvictExactInstanceOnly(t *testing.T) {
	r := New()
	first := &fakeConn{name: "first"}
	second := &fakeConn{name: "second"}

	r.Register("alice", first)
	r.Register("alice", second)

	// The old connection's disconnect path fires after replacement;
	// it must not take down the new binding.
	if r.Evict("alice", first) {
		t.Fatal("Evict() with stale conn should be a no-op")
	}
	if _, ok := r.Lookup("alice"); !ok {
		t.Fatal("stale eviction should leave the current binding")
	}

	if !r.Evict("alice", second) {
		t.Fatal("Evict() with current conn should succeed")
	}
	if r.Evict("alice", second) {
		t.Fatal("second Evict() should report false")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("Lookup() should miss after eviction")
	}
}

func TestRegistry_GenerationSurvivesEviction(t *testing.T) {
	r := New()
	first := &fakeConn{name: "first"}

	_, gen := r.Register("alice", first)
	if gen != 1 {
		t.Fatalf("gen = %d, want 1", gen)
	}
	r.Evict("alice", first)

	if got := r.Generation("alice"); got != 1 {
		t.Fatalf("Generation() after evict = %d, want 1", got)
	}

	_, gen = r.Register("alice", &fakeConn{name: "second"})
	if gen != 2 {
		t.Fatalf("gen after re-register = %d, want 2", gen)
	}
}

func TestRegistry_Observability(t *testing.T) {
	r := New()
	r.Register("carol", &fakeConn{})
	r.Register("alice", &fakeConn{})
	r.Register("bob", &fakeConn{})

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}

	ids := r.Identities()
	want := []string{"alice", "bob", "carol"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Identities() = %v, want %v", ids, want)
		}
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() size = %d, want 3", len(snap))
	}
	if snap["alice"] != 1 {
		t.Fatalf("Snapshot()[alice] = %d, want 1", snap["alice"])
	}
}

func TestRegistry_ConcurrentRegisterSameIdentity(t *testing.T) {
	r := New()
	const n = 50

	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conns[i] = &fakeConn{name: fmt.Sprintf("conn-%d", i)}
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Register("alice", c)
		}(conns[i])
	}
	wg.Wait()

	// Every register but the final winner displaced someone, and each
	// displaced connection was closed exactly once.
	var closed int32
	for _, c := range conns {
		closed += c.closed.Load()
	}
	if closed != n-1 {
		t.Fatalf("closed connections = %d, want %d", closed, n-1)
	}

	current, ok := r.Lookup("alice")
	if !ok {
		t.Fatal("Lookup() should find the surviving connection")
	}
	if current.(*fakeConn).closed.Load() != 0 {
		t.Fatal("surviving connection should not be closed")
	}
	if got := r.Generation("alice"); got != n {
		t.Fatalf("Generation() = %d, want %d", got, n)
	}
}

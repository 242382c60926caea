package transport

import (
	"testing"

	"github.com/relaywire/h2transport/pkg/addr"
)

type fakePooledConn struct {
	origin  addr.Origin
	dropped bool
	closed  bool
}

func (f *fakePooledConn) Origin() addr.Origin       { return f.origin }
func (f *fakePooledConn) IsConnectionDropped() bool { return f.dropped }
func (f *fakePooledConn) Close() error              { f.closed = true; return nil }

func TestPoolGetOrCreateDoesNotShareCheckedOutConnection(t *testing.T) {
	p := NewPool()
	origin := addr.Origin{Scheme: "http", Host: "a.test", Port: 80}

	calls := 0
	factory := func() (PooledConn, error) {
		calls++
		return &fakePooledConn{origin: origin}, nil
	}

	c1, created1, err := p.GetOrCreate(origin, factory)
	if err != nil || !created1 {
		t.Fatalf("first GetOrCreate: created=%v err=%v", created1, err)
	}

	// connection is checked out, not yet returned to the pool: a second
	// GetOrCreate before ResponseClosed must create a distinct connection.
	c2, created2, err := p.GetOrCreate(origin, factory)
	if err != nil || !created2 {
		t.Fatalf("second GetOrCreate: created=%v err=%v", created2, err)
	}
	if c1 == c2 {
		t.Fatal("expected distinct connections while both are checked out")
	}
	if calls != 2 {
		t.Fatalf("factory calls = %d, want 2", calls)
	}
}

func TestPoolResponseClosedReinsertsLiveConnection(t *testing.T) {
	p := NewPool()
	origin := addr.Origin{Scheme: "https", Host: "a.test", Port: 443}
	c := &fakePooledConn{origin: origin}

	p.ResponseClosed(origin, c)

	got := p.Get(origin)
	if got != c {
		t.Fatalf("Get() = %v, want the reinserted connection", got)
	}
}

func TestPoolResponseClosedEvictsDeadConnection(t *testing.T) {
	p := NewPool()
	origin := addr.Origin{Scheme: "https", Host: "a.test", Port: 443}
	c := &fakePooledConn{origin: origin, dropped: true}

	p.ResponseClosed(origin, c)

	if !c.closed {
		t.Fatal("expected dead connection to be closed")
	}
	if got := p.Get(origin); got != nil {
		t.Fatalf("Get() = %v, want nil after eviction", got)
	}
}

func TestPoolRemoveDeletesEmptyOriginEntry(t *testing.T) {
	p := NewPool()
	origin := addr.Origin{Scheme: "https", Host: "a.test", Port: 443}
	c := &fakePooledConn{origin: origin}

	p.ResponseClosed(origin, c)
	p.Remove(origin, c)

	stats := p.Stats()
	if stats.Origins != 0 {
		t.Fatalf("Stats().Origins = %d, want 0 after removing the only connection", stats.Origins)
	}
}

func TestPoolGetSkipsDroppedConnections(t *testing.T) {
	p := NewPool()
	origin := addr.Origin{Scheme: "http", Host: "a.test", Port: 80}
	dead := &fakePooledConn{origin: origin}
	live := &fakePooledConn{origin: origin}

	p.ResponseClosed(origin, dead)
	p.ResponseClosed(origin, live)
	// dead goes bad while idle in the pool, so only Get can notice it.
	dead.dropped = true

	got := p.Get(origin)
	if got != live {
		t.Fatalf("Get() = %v, want the live connection", got)
	}
	// Set iteration order is random, so dead may still be idle; with live
	// checked out, the next Get must reach it.
	if again := p.Get(origin); again != nil {
		t.Fatalf("second Get() = %v, want nil with only the dropped connection left", again)
	}
	if !dead.closed {
		t.Fatal("expected dropped connection encountered during Get to be closed")
	}
}

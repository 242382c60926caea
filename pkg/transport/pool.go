package transport

import (
	"sync"

	"github.com/relaywire/h2transport/pkg/addr"
)

// PooledConn is the minimum a connection must expose to live in the pool:
// section 4.3's "connections: origin -> set(Connection)" entries.
type PooledConn interface {
	Origin() addr.Origin
	IsConnectionDropped() bool
	Close() error
}

// Pool is the origin -> set(connections) map guarded by a lock, plus the
// _get_connection_from_pool / _response_closed callbacks section 4.3
// specifies as the proxy dispatcher's external collaborator.
type Pool struct {
	mu    sync.Mutex
	conns map[addr.Origin]map[PooledConn]struct{}

	statsReused  int
	statsCreated int
}

// NewPool returns an empty connection pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[addr.Origin]map[PooledConn]struct{})}
}

// Get returns a live, registered connection for origin, evicting any dead
// connections it finds along the way. Returns nil if none is available.
func (p *Pool) Get(origin addr.Origin) PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(origin)
}

// getLocked pops one live connection out of origin's idle set — checked
// out, the connection is no longer visible to a concurrent Get/GetOrCreate
// until ResponseClosed returns it.
func (p *Pool) getLocked(origin addr.Origin) PooledConn {
	set := p.conns[origin]
	for c := range set {
		delete(set, c)
		if c.IsConnectionDropped() {
			c.Close()
			continue
		}
		if len(set) == 0 {
			delete(p.conns, origin)
		}
		return c
	}
	if len(set) == 0 {
		delete(p.conns, origin)
	}
	return nil
}

// GetOrCreate returns an idle pooled connection for origin, or builds a new
// one with factory if none is available (section 4.3). Either way the
// connection is checked out to the caller: it joins origin's idle set only
// when ResponseClosed returns it. created reports whether factory ran.
func (p *Pool) GetOrCreate(origin addr.Origin, factory func() (PooledConn, error)) (conn PooledConn, created bool, err error) {
	p.mu.Lock()
	if c := p.getLocked(origin); c != nil {
		p.mu.Unlock()
		return c, false, nil
	}
	p.mu.Unlock()

	c, err := factory()
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	p.statsCreated++
	p.mu.Unlock()
	return c, true, nil
}

func (p *Pool) registerLocked(origin addr.Origin, c PooledConn) {
	set, ok := p.conns[origin]
	if !ok {
		set = make(map[PooledConn]struct{})
		p.conns[origin] = set
	}
	set[c] = struct{}{}
}

// Remove evicts c from origin's set without closing it, deleting the origin
// entry entirely if it becomes empty (scenario S5).
func (p *Pool) Remove(origin addr.Origin, c PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.conns[origin]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(p.conns, origin)
		}
	}
}

// ResponseClosed is the pool's _response_closed(connection) callback: a
// caller finished reading a response and the connection may be reused, or
// evicted if it turned out to be dead in the meantime.
func (p *Pool) ResponseClosed(origin addr.Origin, c PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.IsConnectionDropped() {
		if set, ok := p.conns[origin]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(p.conns, origin)
			}
		}
		c.Close()
		return
	}
	p.registerLocked(origin, c)
	p.statsReused++
}

// Stats reports pool occupancy for operational visibility, mirroring the
// teacher's Transport.PoolStats.
type Stats struct {
	Origins int
	Total   int
	Reused  int
	Created int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Reused: p.statsReused, Created: p.statsCreated, Origins: len(p.conns)}
	for _, set := range p.conns {
		s.Total += len(set)
	}
	return s
}

// CloseAll closes every pooled connection, for Client shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for origin, set := range p.conns {
		for c := range set {
			c.Close()
		}
		delete(p.conns, origin)
	}
}

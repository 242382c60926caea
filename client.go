// Package h2transport provides a high-performance, low-level HTTP client
// library for Go that multiplexes requests over pooled HTTP/1.1 and HTTP/2
// connections, with an optional proxy dispatcher for forwarded and
// CONNECT-tunnelled requests.
package h2transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/relaywire/h2transport/pkg/addr"
	"github.com/relaywire/h2transport/pkg/h2"
	"github.com/relaywire/h2transport/pkg/proxy"
	"github.com/relaywire/h2transport/pkg/timing"
	"github.com/relaywire/h2transport/pkg/transport"
)

// healthCheckInterval and idleBeforePing mirror the teacher's
// healthChecker/checkConnectionHealth cadence (pkg/http2/transport.go).
const (
	healthCheckInterval = 30 * time.Second
	idleBeforePing      = 15 * time.Second
)

// Re-export the package types callers need to build Options, mirroring the
// teacher's rawhttp.go type-alias block.
type (
	// H2Options configures the HTTP/2 engine.
	H2Options = h2.Options

	// ProxyConfig configures the optional proxy dispatcher.
	ProxyConfig = proxy.Config

	// ProxyMode selects forward vs tunnel dispatch.
	ProxyMode = proxy.Mode

	// Budget is the per-request timeout budget.
	Budget = timing.Budget

	// Origin, URL and Headers are the wire-facing request/response shapes.
	Origin  = addr.Origin
	URL     = addr.URL
	Headers = addr.Headers
)

const (
	ProxyModeDefault     = proxy.ModeDefault
	ProxyModeForwardOnly = proxy.ModeForwardOnly
	ProxyModeTunnelOnly  = proxy.ModeTunnelOnly
)

// Options controls how a Client establishes connections and issues
// requests, following the teacher's DefaultOptions/Options convention.
type Options struct {
	// TLS is the base TLS configuration used for direct HTTPS connections
	// and, when Proxy is nil, for any host this client reaches. There is no
	// implicit insecure default (spec section 11's decision on SSLContext).
	TLS *tls.Config

	// H2 configures the HTTP/2 engine used for direct (non-proxied) https
	// origins that negotiate h2 via ALPN.
	H2 h2.Options

	// Proxy configures the proxy dispatcher. Nil means every request goes
	// direct (dial the request's own origin, no forward/tunnel).
	Proxy *proxy.Config
}

// DefaultOptions returns h2 defaults and no proxy configuration. TLS is left
// nil; a direct https dial with nil TLS uses an empty tls.Config, which
// verifies certificates.
func DefaultOptions() Options {
	return Options{H2: h2.DefaultOptions()}
}

// Client is the library's entry point: one Client multiplexes many origins,
// reusing pooled HTTP/1.1 connections and HTTP/2 engines, and optionally
// routing everything through a configured proxy. Grounded on the teacher's
// Sender (rawhttp.go), generalized from its HTTP/1.1-or-HTTP/2 protocol
// switch to this module's origin-keyed connection reuse.
type Client struct {
	opts   Options
	dialer *transport.Dialer
	pool   *transport.Pool

	mu      sync.Mutex
	engines map[addr.Origin]*h2.Engine

	dispatcher *proxy.Dispatcher

	stopHealthCheck chan struct{}
	closeOnce       sync.Once
}

// New builds a Client from opts and starts its background health checker,
// mirroring the teacher's Transport.healthChecker goroutine.
func New(opts Options) *Client {
	c := &Client{
		opts:            opts,
		dialer:          transport.NewDialer(),
		pool:            transport.NewPool(),
		engines:         make(map[addr.Origin]*h2.Engine),
		stopHealthCheck: make(chan struct{}),
	}
	if opts.Proxy != nil {
		c.dispatcher = proxy.NewDispatcher(*opts.Proxy, c.pool, c.dialer)
	}
	go c.healthChecker()
	return c
}

// healthChecker periodically pings idle HTTP/2 engines and drops dead ones;
// pooled HTTP/1.1 connections are not probed here (the pool checks them
// when handing them out or taking them back), grounded on the teacher's
// healthChecker/checkConnectionHealth (pkg/http2/transport.go).
func (c *Client) healthChecker() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkConnectionHealth()
		case <-c.stopHealthCheck:
			return
		}
	}
}

// checkConnectionHealth drops every HTTP/2 engine that is closed or looks
// dead, and sends a PING on each remaining engine idle longer than
// idleBeforePing.
func (c *Client) checkConnectionHealth() {
	c.mu.Lock()
	live := make(map[addr.Origin]*h2.Engine, len(c.engines))
	for origin, e := range c.engines {
		if e.IsClosed() || e.IsConnectionDropped() {
			delete(c.engines, origin)
			continue
		}
		live[origin] = e
	}
	c.mu.Unlock()

	for _, e := range live {
		if e.IdleFor() > idleBeforePing {
			e.Ping(context.Background())
		}
	}
}

// Request issues a single HTTP request and returns the response. When a
// proxy is configured, every request is routed through it (spec section
// 4.3); otherwise the client dials the request's own origin directly,
// reusing a pooled HTTP/1.1 connection or HTTP/2 engine as appropriate.
func (c *Client) Request(ctx context.Context, method string, url addr.URL, headers addr.Headers, body io.Reader, budget timing.Budget) (version string, status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error) {
	if c.dispatcher != nil {
		return c.dispatcher.Request(ctx, method, url, headers, body, budget)
	}
	return c.requestDirect(ctx, method, url, headers, body, budget)
}

// requestDirect dials url's own origin: HTTP/2 over TLS when ALPN
// negotiates h2, HTTP/1.1 otherwise (plaintext, or TLS that fell back to
// http/1.1).
func (c *Client) requestDirect(ctx context.Context, method string, url addr.URL, headers addr.Headers, body io.Reader, budget timing.Budget) (version string, status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error) {
	origin := url.Origin()

	if origin.Scheme == "https" {
		engine, direct11, err := c.connectionFor(ctx, origin, budget)
		if err != nil {
			return "", 0, "", nil, nil, err
		}
		if engine != nil {
			return engine.Request(ctx, method, url, headers, body, budget)
		}
		return c.doHTTP11(ctx, origin, method, url.Target, headers, body, budget, direct11)
	}

	conn, _, err := c.pool.GetOrCreate(origin, func() (transport.PooledConn, error) {
		timer := timing.NewTimer()
		raw, err := c.dialer.DialContext(ctx, origin, timer)
		if err != nil {
			return nil, err
		}
		return transport.NewHTTP11Connection(raw, origin), nil
	})
	if err != nil {
		return "", 0, "", nil, nil, err
	}
	return c.doHTTP11(ctx, origin, method, url.Target, headers, body, budget, conn.(*transport.HTTP11Connection))
}

// connectionFor returns a live h2.Engine for origin if one already exists or
// ALPN negotiates h2 on a fresh dial; otherwise it returns a pooled
// HTTP/1.1 connection reached over the same TLS handshake.
func (c *Client) connectionFor(ctx context.Context, origin addr.Origin, budget timing.Budget) (*h2.Engine, *transport.HTTP11Connection, error) {
	c.mu.Lock()
	if e, ok := c.engines[origin]; ok && !e.IsClosed() {
		c.mu.Unlock()
		return e, nil, nil
	}
	c.mu.Unlock()

	conn, _, err := c.pool.GetOrCreate(origin, func() (transport.PooledConn, error) {
		timer := timing.NewTimer()
		raw, negotiated, err := c.dialer.DialTLS(ctx, origin, c.opts.TLS, timer)
		if err != nil {
			return nil, err
		}
		if negotiated == "h2" {
			engine := h2.NewEngine(raw, origin, c.opts.H2)
			c.mu.Lock()
			c.engines[origin] = engine
			c.mu.Unlock()
			return nil, errUseEngine
		}
		return transport.NewHTTP11Connection(raw, origin), nil
	})

	if err == errUseEngine {
		c.mu.Lock()
		e := c.engines[origin]
		c.mu.Unlock()
		return e, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return nil, conn.(*transport.HTTP11Connection), nil
}

// errUseEngine is GetOrCreate's factory signalling "a fresh h2.Engine was
// registered outside the pool instead of a PooledConn" — h2 engines manage
// their own stream concurrency and are not pool-evicted the way HTTP/1.1
// connections are, so they are tracked in Client.engines rather than
// Client.pool.
var errUseEngine = errors.New("h2transport: direct origin negotiated h2, use the engine")

// doHTTP11 issues the request over a pooled HTTP/1.1 connection and wraps
// the response body to notify the pool on close.
func (c *Client) doHTTP11(ctx context.Context, origin addr.Origin, method, target string, headers addr.Headers, body io.Reader, budget timing.Budget, conn *transport.HTTP11Connection) (version string, status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error) {
	status, reason, respHeaders, rawBody, err := conn.Do(ctx, method, target, headers, body, budget)
	if err != nil {
		c.pool.Remove(origin, conn)
		conn.Close()
		return "", 0, "", nil, nil, err
	}
	return "HTTP/1.1", status, reason, respHeaders, &pooledBody{pool: c.pool, origin: origin, conn: conn, body: rawBody}, nil
}

// pooledBody notifies the pool when the caller closes the response body,
// mirroring pkg/proxy's identically-named type for the non-proxied path.
type pooledBody struct {
	pool   *transport.Pool
	origin addr.Origin
	conn   transport.PooledConn
	body   io.ReadCloser
	once   sync.Once
}

func (b *pooledBody) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *pooledBody) Close() error {
	var err error
	b.once.Do(func() {
		err = b.body.Close()
		b.pool.ResponseClosed(b.origin, b.conn)
	})
	return err
}

// Close stops the health checker and shuts down every pooled HTTP/1.1
// connection and HTTP/2 engine. Idempotent: a second call is a no-op,
// matching the double-close guard applied uniformly elsewhere (section 9).
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopHealthCheck)
		c.pool.CloseAll()
		c.mu.Lock()
		defer c.mu.Unlock()
		for origin, e := range c.engines {
			e.Close()
			delete(c.engines, origin)
		}
	})
	return nil
}

// Stats reports HTTP/1.1 pool occupancy, mirroring the teacher's
// Sender.PoolStats.
func (c *Client) Stats() transport.Stats {
	return c.pool.Stats()
}

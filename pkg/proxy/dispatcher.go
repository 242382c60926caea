package proxy

import (
	"context"
	"io"
	"sync"

	"github.com/relaywire/h2transport/pkg/addr"
	h2errors "github.com/relaywire/h2transport/pkg/errors"
	"github.com/relaywire/h2transport/pkg/timing"
	"github.com/relaywire/h2transport/pkg/transport"
)

// connection is the subset of *transport.HTTP11Connection the dispatcher
// drives; narrowed to an interface so tests can substitute a fake without a
// real socket.
type connection interface {
	transport.PooledConn
	Do(ctx context.Context, method, target string, headers addr.Headers, body io.Reader, budget timing.Budget) (status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error)
	Upgrade(conn transport.Conn)
	RawConn() transport.Conn
}

// dialer is the subset of *transport.Dialer the dispatcher needs to build a
// new proxy or tunnel connection.
type dialer interface {
	DialContext(ctx context.Context, origin addr.Origin, timer *timing.Timer) (transport.Conn, error)
}

// Dispatcher implements spec section 4.3: it owns no sockets itself,
// borrowing pooled HTTP/1.1 connections from transport.Pool and driving
// CONNECT/forward semantics over them. Grounded on the teacher's
// connectViaHTTPProxy (pkg/transport/transport.go) and proxy URL handling
// (pkg/client/proxy_parser.go), restructured around the pool abstraction
// spec section 4.3 names explicitly ("Pool interface consumed").
type Dispatcher struct {
	cfg    Config
	pool   *transport.Pool
	dialer dialer

	newConnection func(transport.Conn, addr.Origin) connection
}

// NewDispatcher builds a Dispatcher that forwards/tunnels per cfg, pooling
// connections in pool and dialing new ones via d.
func NewDispatcher(cfg Config, pool *transport.Pool, d *transport.Dialer) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		pool:   pool,
		dialer: d,
		newConnection: func(c transport.Conn, origin addr.Origin) connection {
			return transport.NewHTTP11Connection(c, origin)
		},
	}
}

// Request dispatches a single request per spec section 4.3's mode rule,
// returning the same five-tuple shape the HTTP/2 engine's Request exposes.
func (d *Dispatcher) Request(ctx context.Context, method string, url addr.URL, headers addr.Headers, body io.Reader, budget timing.Budget) (version string, status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error) {
	if err := d.cfg.Validate(); err != nil {
		return "", 0, "", nil, nil, err
	}
	if d.cfg.shouldForward(url.Scheme) {
		return d.forward(ctx, method, url, headers, body, budget)
	}
	return d.tunnel(ctx, method, url, headers, body, budget)
}

// forward obtains a connection to the proxy origin and issues the request
// with an absolute-form target, per spec section 4.3's "Forward request".
func (d *Dispatcher) forward(ctx context.Context, method string, url addr.URL, headers addr.Headers, body io.Reader, budget timing.Budget) (version string, status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error) {
	conn, _, err := d.pool.GetOrCreate(d.cfg.ProxyOrigin, func() (transport.PooledConn, error) {
		return d.dialProxyConn(ctx, d.cfg.ProxyOrigin, budget)
	})
	if err != nil {
		return "", 0, "", nil, nil, err
	}
	c := conn.(connection)

	wire := append(addr.Headers{}, d.cfg.headers()...)
	wire = append(wire, headers...)

	status, reason, respHeaders, rawBody, err := c.Do(ctx, method, url.String(), wire, body, budget)
	if err != nil {
		d.pool.Remove(d.cfg.ProxyOrigin, conn)
		c.Close()
		return "", 0, "", nil, nil, err
	}

	return "HTTP/1.1", status, reason, respHeaders, d.wrapBody(d.cfg.ProxyOrigin, conn, rawBody), nil
}

// tunnel obtains/creates a connection nominally bound to the target origin,
// establishes a CONNECT tunnel and upgrades to TLS on first use, then issues
// the user request, per spec section 4.3's "Tunnel request".
func (d *Dispatcher) tunnel(ctx context.Context, method string, url addr.URL, headers addr.Headers, body io.Reader, budget timing.Budget) (version string, status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error) {
	targetOrigin := url.Origin()

	conn, created, err := d.pool.GetOrCreate(targetOrigin, func() (transport.PooledConn, error) {
		return d.dialProxyConn(ctx, targetOrigin, budget)
	})
	if err != nil {
		return "", 0, "", nil, nil, err
	}
	c := conn.(connection)

	if created {
		if err := d.establishTunnel(ctx, c, targetOrigin, budget); err != nil {
			d.pool.Remove(targetOrigin, conn)
			c.Close()
			return "", 0, "", nil, nil, err
		}
	}

	status, reason, respHeaders, rawBody, err := c.Do(ctx, method, url.Target, headers, body, budget)
	if err != nil {
		d.pool.Remove(targetOrigin, conn)
		c.Close()
		return "", 0, "", nil, nil, err
	}

	return "HTTP/1.1", status, reason, respHeaders, d.wrapBody(targetOrigin, conn, rawBody), nil
}

// establishTunnel sends CONNECT, drains the proxy's response body before
// checking status (section 11 decision 1), fails with ProxyError on a
// non-2xx response, and otherwise upgrades c's transport to TLS when the
// target is https; a tunnel to an http target stays plaintext.
func (d *Dispatcher) establishTunnel(ctx context.Context, c connection, target addr.Origin, budget timing.Budget) error {
	status, reason, _, connectBody, err := c.Do(ctx, "CONNECT", target.Addr(), d.cfg.headers(), nil, budget)
	if err != nil {
		return err
	}

	if connectBody != nil {
		io.Copy(io.Discard, connectBody)
		connectBody.Close()
	}

	if status < 200 || status > 299 {
		return h2errors.NewProxyError(status, reason)
	}

	if target.Scheme != "https" {
		return nil
	}

	if d.cfg.TLS == nil {
		return h2errors.NewValidationError("proxy: TLS configuration required to upgrade a tunnel")
	}

	tlsConn, err := c.RawConn().StartTLS(ctx, target.Host, d.cfg.TLS)
	if err != nil {
		return h2errors.NewTLSError(target.Host, target.Port, err)
	}
	c.Upgrade(tlsConn)
	return nil
}

// wrapBody returns a body that notifies the pool's response_closed callback
// when the caller closes it, per spec section 4.3's pool interface.
func (d *Dispatcher) wrapBody(origin addr.Origin, conn transport.PooledConn, body io.ReadCloser) io.ReadCloser {
	return &pooledBody{dispatcher: d, origin: origin, conn: conn, body: body}
}

type pooledBody struct {
	dispatcher *Dispatcher
	origin     addr.Origin
	conn       transport.PooledConn
	body       io.ReadCloser

	once sync.Once
}

func (b *pooledBody) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *pooledBody) Close() error {
	var err error
	b.once.Do(func() {
		err = b.body.Close()
		b.dispatcher.pool.ResponseClosed(b.origin, b.conn)
	})
	return err
}

// dialProxyConn dials a fresh TCP connection to the proxy origin (the only
// socket peer a dispatcher ever talks to) and wraps it as a pooled HTTP/1.1
// connection nominally bound to nominalOrigin — the proxy's own origin for a
// forward connection, or the target origin for a tunnel connection, per
// spec section 4.3.
func (d *Dispatcher) dialProxyConn(ctx context.Context, nominalOrigin addr.Origin, budget timing.Budget) (transport.PooledConn, error) {
	timer := timing.NewTimer()
	raw, err := d.dialer.DialContext(ctx, d.cfg.ProxyOrigin, timer)
	if err != nil {
		return nil, err
	}
	return d.newConnection(raw, nominalOrigin), nil
}

package transport

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/relaywire/h2transport/pkg/addr"
	"github.com/relaywire/h2transport/pkg/errors"
	"github.com/relaywire/h2transport/pkg/timing"
)

// HTTP11Connection is the pooled HTTP/1.1 connection the proxy dispatcher
// issues CONNECT and forwarded requests over. Response parsing (status line,
// headers, chunked or Content-Length bodies) is delegated to net/http's
// ReadResponse, the out-of-scope "HTTP/1.1 wire parsing" external
// collaborator named in section 1. The request line and headers are written
// by writeRequestLine; a request body is copied as given, with no chunked
// encoding added.
type HTTP11Connection struct {
	conn   Conn
	origin addr.Origin
	reader *bufio.Reader

	mu      sync.Mutex
	dropped bool
}

// NewHTTP11Connection wraps conn as a pooled connection nominally bound to
// origin (the proxy origin for a forward connection, or the target origin
// for a tunnel connection per section 4.3).
func NewHTTP11Connection(conn Conn, origin addr.Origin) *HTTP11Connection {
	return &HTTP11Connection{
		conn:   conn,
		origin: origin,
		reader: bufio.NewReader(conn),
	}
}

// Origin reports the origin this connection is registered under in the pool.
func (c *HTTP11Connection) Origin() addr.Origin { return c.origin }

// IsConnectionDropped reports whether the underlying transport looks dead.
func (c *HTTP11Connection) IsConnectionDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return true
	}
	return c.conn.IsConnectionDropped()
}

// Close closes the underlying transport. Idempotent.
func (c *HTTP11Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return nil
	}
	c.dropped = true
	return c.conn.Close()
}

// Upgrade replaces the underlying transport with an upgraded one in place —
// used after a successful CONNECT to switch the tunnel to TLS without
// losing the connection's pool identity.
func (c *HTTP11Connection) Upgrade(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
}

// RawConn returns the underlying byte transport, so a caller driving a
// CONNECT tunnel can call StartTLS on it directly before Upgrade.
func (c *HTTP11Connection) RawConn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Do writes an HTTP/1.1 request with the given method and request-target
// (a path, an absolute-form URL for a forward request, or "host:port" for
// CONNECT) and returns the parsed response. The returned body must be
// drained and closed by the caller; closing it does not affect the
// connection — pool reinsertion is the caller's responsibility (section
// 4.3's response_closed callback).
func (c *HTTP11Connection) Do(ctx context.Context, method, target string, headers addr.Headers, body io.Reader, budget timing.Budget) (status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error) {
	hdr := make(http.Header, len(headers))
	for _, h := range headers {
		hdr.Add(string(h.Name), string(h.Value))
	}

	now := time.Now()
	if dl := budget.WriteDeadline(now); !dl.IsZero() {
		c.conn.SetWriteDeadline(dl)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}

	if err := writeRequestLine(c.conn, method, target, hdr); err != nil {
		return 0, "", nil, nil, errors.NewIOError("write", err)
	}
	if body != nil {
		if _, err := io.Copy(c.conn, body); err != nil {
			return 0, "", nil, nil, errors.NewIOError("write", err)
		}
	}

	if dl := budget.ReadDeadline(now); !dl.IsZero() {
		c.conn.SetReadDeadline(dl)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	resp, err := http.ReadResponse(c.reader, &http.Request{Method: method})
	if err != nil {
		return 0, "", nil, nil, errors.NewProtocolError("malformed HTTP/1.1 response", err)
	}

	respHeaders = make(addr.Headers, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			respHeaders = append(respHeaders, addr.Header{Name: []byte(name), Value: []byte(v)})
		}
	}

	return resp.StatusCode, statusReason(resp), respHeaders, resp.Body, nil
}

func statusReason(resp *http.Response) string {
	_, reason, found := cutStatus(resp.Status)
	if found {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

// cutStatus splits Go's "200 OK" style Status string into code and reason.
func cutStatus(status string) (code, reason string, ok bool) {
	for i := 0; i < len(status); i++ {
		if status[i] == ' ' {
			return status[:i], status[i+1:], true
		}
	}
	return status, "", false
}

// writeRequestLine writes the request line and headers manually so that an
// arbitrary request-target string (absolute-form URL, or "host:port" for
// CONNECT) can be placed on the wire verbatim, which net/http's exported
// API does not allow for CONNECT.
func writeRequestLine(w io.Writer, method, target string, headers http.Header) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(method + " " + target + " HTTP/1.1\r\n"); err != nil {
		return err
	}
	if err := headers.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

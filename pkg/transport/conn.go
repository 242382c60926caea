// Package transport provides the byte transport and pooled HTTP/1.1
// connections consumed by the HTTP/2 engine and the proxy dispatcher.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Conn is the ordered bidirectional byte stream external collaborator
// (section 6): a net.Conn plus the two hooks the engine and the proxy
// dispatcher need beyond plain Read/Write/Close — liveness detection and
// an in-place TLS upgrade for CONNECT tunnels.
type Conn interface {
	net.Conn

	// IsConnectionDropped reports whether the peer has closed the
	// connection or it otherwise looks dead. The check may consume pending
	// unread data, and a connection with pending data is reported as
	// dropped.
	IsConnectionDropped() bool

	// StartTLS upgrades the connection to TLS for hostname, using cfg as
	// the base configuration (ALPN, verification, etc.). On success the
	// original Conn must not be used again; all I/O goes through the
	// returned one.
	StartTLS(ctx context.Context, hostname string, cfg *tls.Config) (Conn, error)
}

// wireConn adapts a net.Conn (plain TCP or already-TLS) to Conn.
type wireConn struct {
	net.Conn
}

// Wrap adapts an established net.Conn to the Conn interface.
func Wrap(c net.Conn) Conn {
	return &wireConn{Conn: c}
}

// IsConnectionDropped performs a zero-byte-deadline read to detect a closed
// peer without blocking, mirroring the teacher's isConnectionAlive check.
// A read timeout means the connection is idle but alive; anything else
// (EOF, data, or another error) is treated conservatively as dropped.
func (w *wireConn) IsConnectionDropped() bool {
	w.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer w.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := w.Read(one)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return false
	}
	return true
}

func (w *wireConn) StartTLS(ctx context.Context, hostname string, cfg *tls.Config) (Conn, error) {
	tlsCfg := cfg.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = hostname
	}

	tlsConn := tls.Client(w.Conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return &wireConn{Conn: tlsConn}, nil
}

// negotiatedProtocol returns the ALPN protocol chosen during the TLS
// handshake, if this Conn wraps a *tls.Conn.
func negotiatedProtocol(c Conn) (string, bool) {
	wc, ok := c.(*wireConn)
	if !ok {
		return "", false
	}
	tc, ok := wc.Conn.(*tls.Conn)
	if !ok {
		return "", false
	}
	return tc.ConnectionState().NegotiatedProtocol, true
}

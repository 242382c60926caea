package h2

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/relaywire/h2transport/pkg/addr"
	"github.com/relaywire/h2transport/pkg/timing"
	"github.com/relaywire/h2transport/pkg/transport"
)

// fakePeer drives the server side of an HTTP/2 connection over a loopback
// socket using the same golang.org/x/net/http2.Framer the engine uses, so
// these tests exercise real wire bytes end to end rather than a stubbed
// codec.
type fakePeer struct {
	t      *testing.T
	conn   net.Conn
	framer *http2.Framer
	dec    *hpack.Decoder
	fields []hpack.HeaderField
}

// newLoopback returns a connected (client, server) pair backed by a real
// TCP socket. A kernel-buffered socket is used instead of net.Pipe because
// the handshake writes several frames back-to-back on both sides; net.Pipe
// is fully synchronous and would deadlock two concurrent unread writes.
func newLoopback(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptedCh <- nil
			return
		}
		acceptedCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-acceptedCh
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

func newFakePeer(t *testing.T, conn net.Conn) *fakePeer {
	p := &fakePeer{t: t, conn: conn}
	p.dec = hpack.NewDecoder(4096, func(f hpack.HeaderField) { p.fields = append(p.fields, f) })
	p.framer = http2.NewFramer(conn, conn)
	return p
}

func (p *fakePeer) readPreface() {
	p.t.Helper()
	buf := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		p.t.Fatalf("readPreface: %v", err)
	}
	if string(buf) != clientPreface {
		p.t.Fatalf("unexpected preface: %q", buf)
	}
}

// completeHandshake reads the client's initial SETTINGS (+ its connection
// WINDOW_UPDATE), replies with an empty SETTINGS frame and an ack, and
// drains the client's ack of our SETTINGS.
func (p *fakePeer) completeHandshake() {
	p.t.Helper()
	p.readPreface()

	sawClientSettings := false
	for !sawClientSettings {
		f, err := p.framer.ReadFrame()
		if err != nil {
			p.t.Fatalf("reading client settings: %v", err)
		}
		switch fr := f.(type) {
		case *http2.SettingsFrame:
			if !fr.IsAck() {
				sawClientSettings = true
			}
		case *http2.WindowUpdateFrame:
			// the post-handshake connection-level window bump
		default:
			p.t.Fatalf("unexpected frame during handshake: %T", f)
		}
	}

	if err := p.framer.WriteSettings(); err != nil {
		p.t.Fatalf("write settings: %v", err)
	}
	if err := p.framer.WriteSettingsAck(); err != nil {
		p.t.Fatalf("write settings ack: %v", err)
	}

	for {
		f, err := p.framer.ReadFrame()
		if err != nil {
			p.t.Fatalf("reading client settings ack: %v", err)
		}
		if sf, ok := f.(*http2.SettingsFrame); ok && sf.IsAck() {
			return
		}
	}
}

// readRequestHeaders reads frames until it has a full decoded HEADERS block
// for streamID, skipping the stream's post-HEADERS WINDOW_UPDATE.
func (p *fakePeer) readRequestHeaders(streamID uint32) []hpack.HeaderField {
	p.t.Helper()
	p.fields = nil
	headersDone := false
	sawWindowUpdate := false
	for !headersDone || !sawWindowUpdate {
		f, err := p.framer.ReadFrame()
		if err != nil {
			p.t.Fatalf("reading request headers: %v", err)
		}
		switch fr := f.(type) {
		case *http2.HeadersFrame:
			if _, err := p.dec.Write(fr.HeaderBlockFragment()); err != nil {
				p.t.Fatalf("hpack decode: %v", err)
			}
			if fr.HeadersEnded() {
				headersDone = true
			}
		case *http2.WindowUpdateFrame:
			// the stream-level window bump engine.sendHeaders always sends
			// right after HEADERS; must be drained or it piles up unread.
			if fr.StreamID == streamID {
				sawWindowUpdate = true
			}
		default:
			continue
		}
	}
	return p.fields
}

func (p *fakePeer) writeResponseHeaders(streamID uint32, status string, endStream bool) {
	p.t.Helper()
	buf := new(bytes.Buffer)
	enc := hpack.NewEncoder(buf)
	if err := enc.WriteField(hpack.HeaderField{Name: ":status", Value: status}); err != nil {
		p.t.Fatalf("encode status: %v", err)
	}
	if err := p.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: buf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	}); err != nil {
		p.t.Fatalf("write response headers: %v", err)
	}
}

func TestEngineMinimalGet(t *testing.T) {
	client, server := newLoopback(t)
	defer client.Close()
	defer server.Close()

	peer := newFakePeer(t, server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.completeHandshake()
		fields := peer.readRequestHeaders(1)
		assertPseudoHeader(t, fields, ":method", "GET")
		assertPseudoHeader(t, fields, ":authority", "example.org")
		assertPseudoHeader(t, fields, ":scheme", "https")
		assertPseudoHeader(t, fields, ":path", "/")
		peer.writeResponseHeaders(1, "204", true)
	}()

	origin := addr.Origin{Scheme: "https", Host: "example.org", Port: 443}
	engine := NewEngine(transport.Wrap(client), origin, DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	version, status, reason, headers, body, err := engine.Request(ctx, "GET", addr.URL{Scheme: "https", Host: "example.org", Port: 443, Target: "/"}, nil, nil, timing.NoBudget)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if version != "HTTP/2" || status != 204 {
		t.Fatalf("Request() = (%q, %d), want (HTTP/2, 204)", version, status)
	}
	if reason != "No Content" {
		t.Fatalf("reason = %q, want %q", reason, "No Content")
	}
	if len(headers) != 0 {
		t.Fatalf("headers = %v, want none", headers)
	}
	buf := make([]byte, 1)
	if n, err := body.Read(buf); err != io.EOF || n != 0 {
		t.Fatalf("body.Read() = (%d, %v), want (0, io.EOF)", n, err)
	}
	if err := body.Close(); err != nil {
		t.Fatalf("body.Close() error = %v", err)
	}
	// Closing twice must be a no-op (round-trip idempotence property).
	if err := body.Close(); err != nil {
		t.Fatalf("second body.Close() error = %v", err)
	}

	<-done
}

func TestEngineNonDefaultPortAuthority(t *testing.T) {
	client, server := newLoopback(t)
	defer client.Close()
	defer server.Close()

	peer := newFakePeer(t, server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.completeHandshake()
		fields := peer.readRequestHeaders(1)
		assertPseudoHeader(t, fields, ":authority", "example.org:8443")
		peer.writeResponseHeaders(1, "200", true)
	}()

	origin := addr.Origin{Scheme: "https", Host: "example.org", Port: 8443}
	engine := NewEngine(transport.Wrap(client), origin, DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, status, _, _, body, err := engine.Request(ctx, "GET", addr.URL{Scheme: "https", Host: "example.org", Port: 8443, Target: "/x"}, nil, nil, timing.NoBudget)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	body.Close()
	<-done
}

func TestEngineRejectsMismatchedOrigin(t *testing.T) {
	client, server := newLoopback(t)
	defer client.Close()
	defer server.Close()

	origin := addr.Origin{Scheme: "https", Host: "example.org", Port: 443}
	engine := NewEngine(transport.Wrap(client), origin, DefaultOptions())

	_, _, _, _, _, err := engine.Request(context.Background(), "GET", addr.URL{Scheme: "https", Host: "other.test", Port: 443, Target: "/"}, nil, nil, timing.NoBudget)
	if err == nil {
		t.Fatal("expected an error for a mismatched origin")
	}
}

func assertPseudoHeader(t *testing.T, fields []hpack.HeaderField, name, want string) {
	t.Helper()
	for _, f := range fields {
		if f.Name == name {
			if f.Value != want {
				t.Fatalf("%s = %q, want %q", name, f.Value, want)
			}
			return
		}
	}
	t.Fatalf("missing pseudo-header %s", name)
}

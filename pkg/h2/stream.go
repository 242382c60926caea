package h2

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/relaywire/h2transport/pkg/addr"
	h2errors "github.com/relaywire/h2transport/pkg/errors"
	"github.com/relaywire/h2transport/pkg/timing"
)

// Stream is one request/response lifetime over an Engine (spec section
// 4.2). Identity is the stream id; the engine map entry is the only
// back-reference needed (spec section 9's arena+index note).
type Stream struct {
	id     uint32
	engine *Engine
}

// ID returns the stream's HTTP/2 stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// do runs the request algorithm: normalize and send headers, stream the
// body under flow control, then parse and return the response.
func (s *Stream) do(ctx context.Context, method string, url addr.URL, headers addr.Headers, body io.Reader, budget timing.Budget) (status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error) {
	needsBody := hasRequestBody(headers)
	wire := buildHeaders(method, url, headers)

	if err := s.engine.sendHeaders(s.id, wire, !needsBody); err != nil {
		return 0, "", nil, nil, err
	}

	if needsBody {
		if err := s.sendBody(ctx, body, budget); err != nil {
			return 0, "", nil, nil, err
		}
	}

	headEv, err := s.awaitResponseHeaders(ctx, budget)
	if err != nil {
		return 0, "", nil, nil, err
	}

	respBody = &streamBody{st: s, ctx: ctx, budget: budget, ended: headEv.EndStream}
	return headEv.Status, statusReasonPhrase(headEv.Status), headEv.Headers, respBody, nil
}

// sendBody chunks body under flow control, sending a zero-length END_STREAM
// DATA frame once the body is exhausted (spec section 4.2 step 4).
func (s *Stream) sendBody(ctx context.Context, body io.Reader, budget timing.Budget) error {
	buf := make([]byte, 16384)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for len(chunk) > 0 {
				f, err := s.engine.waitForOutgoingFlow(ctx, s.id, budget)
				if err != nil {
					return err
				}
				take := int(f)
				if take > len(chunk) {
					take = len(chunk)
				}
				if err := s.engine.sendData(s.id, chunk[:take], false); err != nil {
					return err
				}
				chunk = chunk[take:]
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return h2errors.NewIOError("read request body", rerr)
		}
	}
	return s.engine.endStream(s.id)
}

// awaitResponseHeaders drains events until a HEADERS event arrives for this
// stream (spec section 4.2 step 5).
func (s *Stream) awaitResponseHeaders(ctx context.Context, budget timing.Budget) (Event, error) {
	for {
		ev, err := s.engine.waitForEvent(ctx, s.id, budget)
		if err != nil {
			return Event{}, err
		}
		switch ev.Type {
		case EventHeaders:
			return ev, nil
		case EventStreamReset:
			if ev.ErrorCode != 0 {
				return Event{}, h2errors.NewStreamProtocolError("stream reset by peer before response headers", nil)
			}
			return Event{}, h2errors.NewStreamProtocolError("stream closed before response headers", nil)
		default:
			continue
		}
	}
}

// streamBody is the lazy body iterator spec section 4.2 step 6 describes:
// each DATA event is acknowledged and its payload yielded; closing it
// releases the stream.
type streamBody struct {
	st     *Stream
	ctx    context.Context
	budget timing.Budget

	buf   []byte
	ended bool

	closeOnce sync.Once
}

func (b *streamBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.ended {
			return 0, io.EOF
		}
		ev, err := b.st.engine.waitForEvent(b.ctx, b.st.id, b.budget)
		if err != nil {
			return 0, err
		}
		switch ev.Type {
		case EventData:
			if ev.FlowControlledLength > 0 {
				if err := b.st.engine.acknowledgeReceivedData(b.st.id, ev.FlowControlledLength); err != nil {
					return 0, err
				}
			}
			b.buf = ev.Data
			if ev.EndStream {
				b.ended = true
			}
		case EventStreamReset:
			if ev.ErrorCode != 0 {
				return 0, h2errors.NewStreamProtocolError("stream reset by peer", nil)
			}
			b.ended = true
		default:
			continue
		}
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// Close calls close_stream exactly once, regardless of how many times Close
// is invoked (spec section 8's "close on an empty body iterator is
// idempotent" round-trip property).
func (b *streamBody) Close() error {
	b.closeOnce.Do(func() { b.st.engine.closeStream(b.st.id) })
	return nil
}

// hasRequestBody implements spec section 4.2 step 1.
func hasRequestBody(headers addr.Headers) bool {
	return headers.Has("content-length") || headers.Has("transfer-encoding")
}

// buildHeaders implements spec section 4.2 step 2: pseudo-headers in fixed
// order, then user headers lowercased, excluding host and transfer-encoding.
func buildHeaders(method string, url addr.URL, headers addr.Headers) addr.Headers {
	out := make(addr.Headers, 0, len(headers)+4)
	out = append(out,
		addr.Header{Name: []byte(":method"), Value: []byte(method)},
		addr.Header{Name: []byte(":authority"), Value: []byte(url.Origin().Authority())},
		addr.Header{Name: []byte(":scheme"), Value: []byte(url.Scheme)},
		addr.Header{Name: []byte(":path"), Value: []byte(pathOrSlash(url.Target))},
	)
	for _, h := range headers {
		lname := addr.Lower(h.Name)
		if addr.EqualFold(lname, []byte("host")) || addr.EqualFold(lname, []byte("transfer-encoding")) {
			continue
		}
		out = append(out, addr.Header{Name: lname, Value: h.Value})
	}
	return out
}

func pathOrSlash(target string) string {
	if target == "" {
		return "/"
	}
	return target
}

// statusReasonPhrase returns the standard reason text for status, or empty
// bytes if unrecognized (spec section 4.2 step 5).
func statusReasonPhrase(status int) string {
	return http.StatusText(status)
}

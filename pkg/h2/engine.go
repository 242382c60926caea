package h2

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"

	"github.com/relaywire/h2transport/pkg/addr"
	"github.com/relaywire/h2transport/pkg/constants"
	h2errors "github.com/relaywire/h2transport/pkg/errors"
	"github.com/relaywire/h2transport/pkg/timing"
	"github.com/relaywire/h2transport/pkg/transport"
)

// ConnectionState is the engine's lifecycle, spec section 3.
type ConnectionState int

const (
	StatePending ConnectionState = iota
	StateActive
	StateIdle
	StateReady
	StateFull
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	case StateReady:
		return "READY"
	case StateFull:
		return "FULL"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Engine is the HTTP/2 Connection Engine (spec section 4.1): one per
// established byte transport, owning the socket and the codec, multiplexing
// Streams over it. Grounded on pkg/http2/client.go's sendFrame/readResponse
// and pkg/http2/transport.go's handshake sequence, restructured around the
// stream registry and lock discipline spec section 5 specifies.
type Engine struct {
	conn   transport.Conn
	origin addr.Origin
	opts   Options
	codec  *codec

	// initLock serializes the handshake and stream-id allocation (spec
	// section 5).
	initLock sync.Mutex
	// readLock: at most one goroutine drives driveReceive at a time.
	readLock sync.Mutex
	// writeLock serializes writes to the shared socket; http2.Framer
	// performs no internal write locking of its own.
	writeLock sync.Mutex

	mu      sync.Mutex
	state   ConnectionState
	streams map[uint32]*Stream
	events  map[uint32]chan Event
	// done signals route (and fatal) to give up delivering to a stream that
	// has already closed, so a blocking send can never leak a goroutine.
	done map[uint32]chan struct{}

	sem     *semaphore.Weighted
	semOnce sync.Once

	lastActivity time.Time
}

// NewEngine wraps an established connection (already ALPN-negotiated to h2,
// or a prior-knowledge h2c socket) as an Engine for origin.
func NewEngine(conn transport.Conn, origin addr.Origin, opts Options) *Engine {
	return &Engine{
		conn:         conn,
		origin:       origin,
		opts:         opts,
		codec:        newCodec(conn, opts.HeaderTableSize),
		state:        StatePending,
		streams:      make(map[uint32]*Stream),
		events:       make(map[uint32]chan Event),
		done:         make(map[uint32]chan struct{}),
		lastActivity: time.Now(),
	}
}

// State reports the current connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsClosed reports whether the engine has transitioned to CLOSED.
func (e *Engine) IsClosed() bool { return e.State() == StateClosed }

// IsConnectionDropped reports whether the connection looks unusable to the
// pool: either already closed, or the underlying transport reports death.
func (e *Engine) IsConnectionDropped() bool {
	if e.IsClosed() {
		return true
	}
	return e.conn.IsConnectionDropped()
}

// IdleFor reports how long it has been since a frame was last read on this
// engine, for the pool's idle health check.
func (e *Engine) IdleFor() time.Duration {
	return time.Since(e.lastActivity)
}

// MarkAsReady is the pool's IDLE -> READY signal (spec section 3).
func (e *Engine) MarkAsReady() {
	e.mu.Lock()
	if e.state == StateIdle {
		e.state = StateReady
	}
	e.mu.Unlock()
}

// Origin reports the engine's bound peer.
func (e *Engine) Origin() addr.Origin { return e.origin }

// Request is the engine's public contract (spec section 4.1): performs the
// handshake on first call, allocates a stream, sends the request and
// returns once response headers arrive. The returned body must be closed by
// the caller to release the stream.
func (e *Engine) Request(ctx context.Context, method string, url addr.URL, headers addr.Headers, body io.Reader, budget timing.Budget) (version string, status int, reason string, respHeaders addr.Headers, respBody io.ReadCloser, err error) {
	if url.Origin() != e.origin {
		return "", 0, "", nil, nil, h2errors.NewValidationError("request url does not match the connection's origin")
	}

	if err := e.handshake(ctx, budget); err != nil {
		return "", 0, "", nil, nil, err
	}

	st, err := e.openStream(ctx, budget)
	if err != nil {
		return "", 0, "", nil, nil, err
	}

	status, reason, respHeaders, respBody, err = st.do(ctx, method, url, headers, body, budget)
	if err != nil {
		e.closeStream(st.id)
		return "", 0, "", nil, nil, err
	}
	return "HTTP/2", status, reason, respHeaders, respBody, nil
}

// handshake performs send_connection_init exactly once, under init_lock,
// when state is PENDING (spec section 4.1).
func (e *Engine) handshake(ctx context.Context, budget timing.Budget) error {
	e.initLock.Lock()
	defer e.initLock.Unlock()
	if e.state != StatePending {
		return nil
	}

	if err := e.opts.Validate(); err != nil {
		return h2errors.NewValidationError(err.Error())
	}

	// Local settings fixed by spec section 6; ENABLE_CONNECT_PROTOCOL is
	// never added, satisfying the "remove it even if the codec included it"
	// step by construction.
	settings := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingMaxConcurrentStreams, Val: e.opts.MaxConcurrentStreams},
		{ID: http2.SettingMaxHeaderListSize, Val: e.opts.MaxHeaderListSize},
	}

	e.writeLock.Lock()
	err := e.codec.initiate(settings)
	if err == nil {
		err = e.codec.incrementWindow(0, constants.WindowIncrement)
	}
	e.writeLock.Unlock()
	if err != nil {
		return err
	}

	if err := e.awaitSettingsAck(budget); err != nil {
		return err
	}

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	return nil
}

// awaitSettingsAck blocks for the peer's SETTINGS ack, applying whatever
// SETTINGS/PING/WINDOW_UPDATE frames arrive first. Grounded on the
// teacher's waitForSettingsAck.
func (e *Engine) awaitSettingsAck(budget timing.Budget) error {
	e.readLock.Lock()
	defer e.readLock.Unlock()

	deadline := time.Now().Add(constants.SettingsAckTimeout)
	e.conn.SetReadDeadline(deadline)
	defer e.conn.SetReadDeadline(time.Time{})

	for {
		f, err := e.codec.framer.ReadFrame()
		if err != nil {
			return h2errors.NewStreamProtocolError("handshake failed waiting for SETTINGS ack", err)
		}
		switch fr := f.(type) {
		case *http2.SettingsFrame:
			if fr.IsAck() {
				return nil
			}
			e.codec.applyPeerSettings(fr)
			e.writeLock.Lock()
			err := e.codec.framer.WriteSettingsAck()
			e.writeLock.Unlock()
			if err != nil {
				return h2errors.NewIOError("write settings ack", err)
			}
		case *http2.WindowUpdateFrame, *http2.ContinuationFrame:
			continue
		case *http2.PingFrame:
			if fr.IsAck() {
				continue
			}
			e.writeLock.Lock()
			_ = e.codec.framer.WritePing(true, fr.Data)
			e.writeLock.Unlock()
		case *http2.GoAwayFrame:
			return h2errors.NewStreamProtocolError("peer sent GOAWAY during handshake", nil)
		default:
			continue
		}
	}
}

// openStream admits a new stream under the streams_semaphore, allocates its
// id under init_lock, and registers its registry entries atomically (spec
// sections 4.1 and 5).
func (e *Engine) openStream(ctx context.Context, budget timing.Budget) (*Stream, error) {
	e.semOnce.Do(func() {
		cap := int64(e.codec.peerMaxConcurrentStreams)
		if cap <= 0 {
			cap = int64(constants.DefaultPeerMaxConcurrentStreams)
		}
		e.sem = semaphore.NewWeighted(cap)
	})

	acquireCtx := ctx
	if dl := budget.PoolDeadline(time.Now()); !dl.IsZero() {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}
	if err := e.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, h2errors.NewPoolTimeoutError("stream admission")
	}

	e.initLock.Lock()
	id, err := e.codec.getNextStreamID()
	e.initLock.Unlock()

	// Released once the id is allocated, not when the stream ends, so the
	// semaphore only bounds stream-creation bursts (spec section 5).
	e.sem.Release(1)

	if err != nil {
		e.mu.Lock()
		e.state = StateFull
		e.mu.Unlock()
		return nil, err
	}

	st := &Stream{id: id, engine: e}
	ch := make(chan Event, 16)
	done := make(chan struct{})

	e.mu.Lock()
	e.streams[id] = st
	e.events[id] = ch
	e.done[id] = done
	if e.state != StateFull && e.state != StateClosed {
		e.state = StateActive
	}
	e.mu.Unlock()

	return st, nil
}

// closeStream removes sid's registry entries and applies the resulting
// state transition (spec section 4.1's close_stream).
func (e *Engine) closeStream(sid uint32) {
	e.codec.forgetStream(sid)

	e.mu.Lock()
	delete(e.streams, sid)
	delete(e.events, sid)
	if done, ok := e.done[sid]; ok {
		close(done)
		delete(e.done, sid)
	}
	empty := len(e.streams) == 0
	wasFull := e.state == StateFull
	closeConn := false
	if empty && e.state != StateClosed {
		if wasFull {
			e.state = StateClosed
			closeConn = true
		} else {
			e.state = StateIdle
		}
	}
	e.mu.Unlock()

	if closeConn {
		e.conn.Close()
	}
}

// Close closes the socket and transitions to CLOSED. Idempotent (spec
// section 9's double-close guard applied uniformly).
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	e.mu.Unlock()

	e.writeLock.Lock()
	_ = e.codec.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
	e.writeLock.Unlock()

	return e.conn.Close()
}

// Ping sends a PING frame without waiting for the ack; supplements the
// spec with the teacher's idle-connection health check
// (pkg/http2/transport.go's healthChecker/checkConnectionHealth). The ack
// is silently absorbed the next time driveReceive runs.
func (e *Engine) Ping(ctx context.Context) error {
	var payload [8]byte
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	return e.codec.framer.WritePing(false, payload)
}

// fatal broadcasts a connection-fatal error to every live stream and closes
// the connection. Invoked when driveReceive observes a protocol violation
// (spec section 7: ProtocolError is fatal, state -> CLOSED).
func (e *Engine) fatal(err error) {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateClosed
	type target struct {
		ch   chan Event
		done chan struct{}
	}
	targets := make([]target, 0, len(e.events))
	for sid, ch := range e.events {
		targets = append(targets, target{ch: ch, done: e.done[sid]})
	}
	e.mu.Unlock()

	for _, t := range targets {
		select {
		case t.ch <- Event{Err: err}:
		case <-t.done:
		}
	}
	e.conn.Close()
}

// driveReceive reads exactly one frame under read_lock and routes it to the
// owning stream's FIFO (spec section 4.1's receive_events, one frame per
// call since http2.Framer already performs byte-level framing).
func (e *Engine) driveReceive(budget timing.Budget) error {
	e.readLock.Lock()
	defer e.readLock.Unlock()

	now := time.Now()
	if dl := budget.ReadDeadline(now); !dl.IsZero() {
		e.conn.SetReadDeadline(dl)
	} else {
		e.conn.SetReadDeadline(time.Time{})
	}

	ev, err := e.codec.readFrame()
	if err != nil {
		e.fatal(err)
		return err
	}
	e.lastActivity = time.Now()
	e.route(ev)
	return nil
}

// route delivers ev to its stream's FIFO. It is only ever called from
// driveReceive while holding read_lock, so deliveries happen one at a time
// in wire arrival order; the send blocks (preserving that order) until the
// stream either has room or is closed, so an abandoned stream's goroutine
// never leaks.
func (e *Engine) route(ev Event) {
	if ev.Type == EventNone {
		return
	}
	e.mu.Lock()
	ch, ok := e.events[ev.StreamID]
	done := e.done[ev.StreamID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	case <-done:
	}
}

// waitForEvent pops the head of stream sid's FIFO, driving driveReceive
// until it is non-empty (spec section 4.1).
func (e *Engine) waitForEvent(ctx context.Context, sid uint32, budget timing.Budget) (Event, error) {
	for {
		e.mu.Lock()
		ch, ok := e.events[sid]
		e.mu.Unlock()
		if !ok {
			return Event{}, h2errors.NewStreamProtocolError("stream closed while waiting for an event", nil)
		}

		select {
		case ev := <-ch:
			if ev.Err != nil {
				return Event{}, ev.Err
			}
			return ev, nil
		default:
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		default:
		}

		if err := e.driveReceive(budget); err != nil {
			return Event{}, err
		}
	}
}

// waitForOutgoingFlow returns min(local_flow_window(sid),
// max_outbound_frame_size), driving driveReceive until it is positive
// (spec section 4.1).
func (e *Engine) waitForOutgoingFlow(ctx context.Context, sid uint32, budget timing.Budget) (uint32, error) {
	for {
		avail := uint32(e.codec.localFlowWindow(sid))
		if max := e.codec.maxOutboundFrameSize(); avail > max {
			avail = max
		}
		if avail > 0 {
			return avail, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		if err := e.driveReceive(budget); err != nil {
			return 0, err
		}
	}
}

// sendHeaders writes a HEADERS frame and immediately enlarges the stream's
// inbound window, serialized against other writers of the shared socket.
func (e *Engine) sendHeaders(sid uint32, headers addr.Headers, endStream bool) error {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	if err := e.codec.sendHeaders(sid, headers, endStream); err != nil {
		return err
	}
	return e.codec.incrementWindow(sid, constants.WindowIncrement)
}

func (e *Engine) sendData(sid uint32, chunk []byte, endStream bool) error {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	return e.codec.sendData(sid, chunk, endStream)
}

func (e *Engine) endStream(sid uint32) error {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	return e.codec.endStream(sid)
}

func (e *Engine) acknowledgeReceivedData(sid uint32, amount uint32) error {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	return e.codec.acknowledgeReceivedData(sid, amount)
}

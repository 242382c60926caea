package h2

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/relaywire/h2transport/pkg/addr"
	"github.com/relaywire/h2transport/pkg/constants"
	h2errors "github.com/relaywire/h2transport/pkg/errors"
)

// clientPreface is the fixed byte sequence a client must send before its
// first SETTINGS frame (RFC 7540 section 3.5).
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// maxStreamID is the largest legal stream id (2^31 - 1); beyond it the codec
// refuses to allocate any more and the engine transitions to FULL.
const maxStreamID = 1<<31 - 1

// EventType classifies a decoded frame as delivered to engine.driveReceive.
type EventType int

const (
	// EventNone carries no stream-visible payload (SETTINGS, PING, a
	// WINDOW_UPDATE that only updated internal bookkeeping); the caller
	// should simply loop and read the next frame.
	EventNone EventType = iota
	// EventHeaders is a HEADERS (or HEADERS+CONTINUATION) block, the
	// response's leading headers.
	EventHeaders
	// EventData is a DATA frame payload.
	EventData
	// EventStreamReset is an RST_STREAM for the given stream.
	EventStreamReset
)

// Event is the codec's single produced unit, the Go rendering of spec
// section 4.1's "feed(bytes) -> [event]" — here one event per frame read,
// since golang.org/x/net/http2.Framer already performs the byte-level
// framing this module would otherwise hand-roll.
type Event struct {
	Type                 EventType
	StreamID             uint32
	Status               int
	Headers              addr.Headers
	Data                 []byte
	FlowControlledLength uint32
	EndStream            bool
	ErrorCode            uint32
	// Err is set when the engine broadcasts a fatal connection error to
	// every live stream's FIFO; never produced by the codec itself.
	Err error
}

// codec is the frame codec named in spec section 2: a thin layer over
// http2.Framer + hpack that exposes exactly the operations spec section 4.1
// names (initiate, send_headers, send_data, end_stream, increment_window,
// acknowledge_received_data, get_next_stream_id, local_flow_window,
// max_outbound_frame_size). There is no separate data_to_send() buffer:
// every send_* method below writes synchronously to the underlying
// io.Writer via the Framer, which satisfies the "data_to_send() is drained
// ... before awaiting the socket for more input" invariant by construction
// rather than via an explicit flush step.
type codec struct {
	w      io.Writer
	framer *http2.Framer
	enc    *hpack.Encoder
	encBuf *bytes.Buffer

	nextStreamID uint32

	windowMu         sync.Mutex
	connSendWindow   int64
	streamSendWindow map[uint32]int64

	peerMaxFrameSize         uint32
	peerInitialWindowSize    uint32
	peerMaxConcurrentStreams uint32
	peerSettingsSeen         bool
}

func newCodec(rw io.ReadWriter, headerTableSize uint32) *codec {
	framer := http2.NewFramer(rw, rw)
	framer.ReadMetaHeaders = hpack.NewDecoder(headerTableSize, nil)
	framer.MaxHeaderListSize = constants.SettingMaxHeaderListSize

	buf := new(bytes.Buffer)
	enc := hpack.NewEncoder(buf)
	enc.SetMaxDynamicTableSize(headerTableSize)

	return &codec{
		w:                        rw,
		framer:                   framer,
		enc:                      enc,
		encBuf:                   buf,
		nextStreamID:             1,
		streamSendWindow:         make(map[uint32]int64),
		connSendWindow:           65535,
		peerMaxFrameSize:         constants.DefaultPeerMaxFrameSize,
		peerInitialWindowSize:    65535,
		peerMaxConcurrentStreams: constants.DefaultPeerMaxConcurrentStreams,
	}
}

// initiate sends the client preface and the initial local SETTINGS frame.
func (c *codec) initiate(settings []http2.Setting) error {
	if _, err := io.WriteString(c.w, clientPreface); err != nil {
		return h2errors.NewIOError("write preface", err)
	}
	if err := c.framer.WriteSettings(settings...); err != nil {
		return h2errors.NewIOError("write settings", err)
	}
	return nil
}

// sendHeaders HPACK-encodes headers (already pseudo-header-ordered by the
// caller, per spec section 4.2 step 2) and writes a HEADERS frame.
func (c *codec) sendHeaders(streamID uint32, headers addr.Headers, endStream bool) error {
	c.encBuf.Reset()
	for _, h := range headers {
		if err := c.enc.WriteField(hpack.HeaderField{Name: string(h.Name), Value: string(h.Value)}); err != nil {
			return h2errors.NewStreamProtocolError("hpack encode failed", err)
		}
	}

	c.registerStreamWindow(streamID)

	return c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: c.encBuf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	})
}

// sendData writes a DATA frame and debits the stream and connection send
// windows by len(data). Callers must have already bounded len(data) by
// wait_for_outgoing_flow.
func (c *codec) sendData(streamID uint32, data []byte, endStream bool) error {
	c.windowMu.Lock()
	c.connSendWindow -= int64(len(data))
	c.streamSendWindow[streamID] -= int64(len(data))
	c.windowMu.Unlock()

	return c.framer.WriteData(streamID, endStream, data)
}

// endStream closes the request body with a zero-length DATA frame carrying
// END_STREAM, used when the caller needs to end the stream without
// attaching it to the last body chunk.
func (c *codec) endStream(streamID uint32) error {
	return c.framer.WriteData(streamID, true, nil)
}

// incrementWindow sends a WINDOW_UPDATE for streamID (0 meaning the
// connection itself).
func (c *codec) incrementWindow(streamID uint32, amount uint32) error {
	if amount == 0 {
		return nil
	}
	return c.framer.WriteWindowUpdate(streamID, amount)
}

// acknowledgeReceivedData restores both the stream-level and
// connection-level inbound windows by amount, mirroring the teacher's
// readResponse which issues a WINDOW_UPDATE at both levels per DATA frame.
func (c *codec) acknowledgeReceivedData(streamID uint32, amount uint32) error {
	if amount == 0 {
		return nil
	}
	if err := c.incrementWindow(streamID, amount); err != nil {
		return err
	}
	return c.incrementWindow(0, amount)
}

// getNextStreamID allocates the next client-initiated (odd) stream id, or
// returns h2errors.ErrNewConnectionRequired once the id space is exhausted.
func (c *codec) getNextStreamID() (uint32, error) {
	if c.nextStreamID > maxStreamID {
		return 0, h2errors.ErrNewConnectionRequired
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	return id, nil
}

func (c *codec) registerStreamWindow(streamID uint32) {
	c.windowMu.Lock()
	if _, ok := c.streamSendWindow[streamID]; !ok {
		c.streamSendWindow[streamID] = int64(c.peerInitialWindowSize)
	}
	c.windowMu.Unlock()
}

// localFlowWindow returns the lesser of the connection and per-stream
// outbound windows, the credit available to send DATA on streamID.
func (c *codec) localFlowWindow(streamID uint32) int32 {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()
	w := c.connSendWindow
	if sw, ok := c.streamSendWindow[streamID]; ok && sw < w {
		w = sw
	}
	if w < 0 {
		return 0
	}
	if w > int64(^uint32(0)>>1) {
		return int32(^uint32(0) >> 1)
	}
	return int32(w)
}

// maxOutboundFrameSize returns the peer's advertised SETTINGS_MAX_FRAME_SIZE.
func (c *codec) maxOutboundFrameSize() uint32 {
	return c.peerMaxFrameSize
}

func (c *codec) forgetStream(streamID uint32) {
	c.windowMu.Lock()
	delete(c.streamSendWindow, streamID)
	c.windowMu.Unlock()
}

// readFrame reads exactly one frame from the socket and translates it into
// at most one Event, applying any bookkeeping side effects (window
// accounting, automatic SETTINGS/PING acknowledgement) along the way. This
// is the per-call unit of spec section 4.1's receive_events, adapted to read
// one Framer frame at a time instead of a raw 4096-byte buffer.
func (c *codec) readFrame() (Event, error) {
	f, err := c.framer.ReadFrame()
	if err != nil {
		if err == io.EOF {
			return Event{}, h2errors.NewStreamProtocolError("connection closed by peer", err)
		}
		return Event{}, h2errors.NewStreamProtocolError("frame read failed", err)
	}

	switch fr := f.(type) {
	case *http2.MetaHeadersFrame:
		return c.translateHeaders(fr)

	case *http2.DataFrame:
		data := fr.Data()
		cp := make([]byte, len(data))
		copy(cp, data)
		return Event{
			Type:                 EventData,
			StreamID:             fr.StreamID,
			Data:                 cp,
			FlowControlledLength: uint32(fr.Header().Length),
			EndStream:            fr.StreamEnded(),
		}, nil

	case *http2.SettingsFrame:
		if fr.IsAck() {
			return Event{}, nil
		}
		c.applyPeerSettings(fr)
		if err := c.framer.WriteSettingsAck(); err != nil {
			return Event{}, h2errors.NewIOError("write settings ack", err)
		}
		return Event{}, nil

	case *http2.WindowUpdateFrame:
		c.windowMu.Lock()
		if fr.StreamID == 0 {
			c.connSendWindow += int64(fr.Increment)
		} else {
			c.streamSendWindow[fr.StreamID] += int64(fr.Increment)
		}
		c.windowMu.Unlock()
		return Event{}, nil

	case *http2.PingFrame:
		if fr.IsAck() {
			return Event{}, nil
		}
		if err := c.framer.WritePing(true, fr.Data); err != nil {
			return Event{}, h2errors.NewIOError("write ping ack", err)
		}
		return Event{}, nil

	case *http2.RSTStreamFrame:
		if fr.ErrCode != http2.ErrCodeNo {
			return Event{}, h2errors.NewStreamProtocolError("peer reset stream with error "+fr.ErrCode.String(), nil)
		}
		return Event{
			Type:      EventStreamReset,
			StreamID:  fr.StreamID,
			ErrorCode: uint32(fr.ErrCode),
		}, nil

	case *http2.GoAwayFrame:
		return Event{}, h2errors.NewStreamProtocolError("received GOAWAY", nil)

	default:
		return Event{}, nil
	}
}

func (c *codec) applyPeerSettings(fr *http2.SettingsFrame) {
	c.peerSettingsSeen = true
	fr.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxFrameSize:
			c.peerMaxFrameSize = s.Val
		case http2.SettingInitialWindowSize:
			c.peerInitialWindowSize = s.Val
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxConcurrentStreams = s.Val
		}
		return nil
	})
}

// translateHeaders builds a headers Event from a decoded block, extracting
// :status and rejecting pseudo-headers other than :status as malformed.
func (c *codec) translateHeaders(fr *http2.MetaHeadersFrame) (Event, error) {
	ev := Event{
		Type:      EventHeaders,
		StreamID:  fr.StreamID,
		EndStream: fr.StreamEnded(),
	}
	if fr.Truncated {
		return Event{}, h2errors.NewStreamProtocolError("header block truncated, header list too large", nil)
	}

	seenRegular := false
	for _, f := range fr.Fields {
		if len(f.Name) > 0 && f.Name[0] == ':' {
			if seenRegular {
				return Event{}, h2errors.NewStreamProtocolError("pseudo-header after regular header", nil)
			}
			if f.Name == ":status" {
				status := 0
				for _, ch := range f.Value {
					if ch < '0' || ch > '9' {
						return Event{}, h2errors.NewStreamProtocolError("malformed :status pseudo-header", nil)
					}
					status = status*10 + int(ch-'0')
				}
				ev.Status = status
				continue
			}
			return Event{}, h2errors.NewStreamProtocolError("unexpected pseudo-header in response", nil)
		}
		seenRegular = true
		ev.Headers = append(ev.Headers, addr.Header{Name: []byte(f.Name), Value: []byte(f.Value)})
	}
	return ev, nil
}

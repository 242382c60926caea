// Package constants defines the wire-visible constants and default limits
// used throughout h2transport.
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout    = 90 * time.Second
	DefaultConnTimeout    = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultPingInterval   = 15 * time.Second
	MaxConnectionIdleTime = 5 * time.Minute
	HealthCheckInterval   = 30 * time.Second
)

// HTTP/2 wire constants (spec section 6). There is no ReadNumBytes here:
// the codec reads one frame at a time off http2.Framer rather than a fixed
// byte chunk, so that constant has no call site to bound.
const (
	// WindowIncrement is the inbound flow-control window increment applied
	// per connection (on handshake) and per stream (on send_headers), to
	// advertise a large inbound window up front.
	WindowIncrement = 1 << 24

	// Local SETTINGS values installed during the handshake.
	SettingEnablePush           = 0
	SettingMaxConcurrentStreams = 100
	SettingMaxHeaderListSize    = 65536

	// DefaultPeerMaxFrameSize is assumed for a peer's SETTINGS_MAX_FRAME_SIZE
	// until its own SETTINGS frame has been received (RFC 7540 default).
	DefaultPeerMaxFrameSize = 16384

	// DefaultPeerMaxConcurrentStreams bounds the stream-admission semaphore
	// until the peer's SETTINGS frame negotiates a different value.
	DefaultPeerMaxConcurrentStreams = 100

	SettingsAckTimeout    = 10 * time.Second
	DefaultHpackTableSize = 4096
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Package h2 implements the HTTP/2 connection engine: one Engine per TCP/TLS
// connection, multiplexing many concurrent Streams over the ordered byte
// transport in pkg/transport.
package h2

import (
	"fmt"

	"github.com/relaywire/h2transport/pkg/constants"
)

// Options configures an Engine, following the teacher's DefaultX/ValidateX
// convention (pkg/http2/types.go's Options).
type Options struct {
	// MaxConcurrentStreams is the local value advertised to the peer in the
	// initial SETTINGS frame. Fixed by section 6's wire-visible constants,
	// but left configurable for tests that want a small admission window.
	MaxConcurrentStreams uint32

	// MaxHeaderListSize is the local value advertised in the initial
	// SETTINGS frame.
	MaxHeaderListSize uint32

	// HeaderTableSize bounds the HPACK dynamic table on both the encoder and
	// decoder sides.
	HeaderTableSize uint32
}

// DefaultOptions returns the section 6 wire-visible defaults: ENABLE_PUSH is
// always 0 regardless of Options (server push is a permanent non-goal) and
// is not a configurable field.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentStreams: constants.SettingMaxConcurrentStreams,
		MaxHeaderListSize:    constants.SettingMaxHeaderListSize,
		HeaderTableSize:      constants.DefaultHpackTableSize,
	}
}

// Validate checks Options against RFC 7540's legal ranges, mirroring
// ValidateOptions in the teacher.
func (o Options) Validate() error {
	if o.MaxConcurrentStreams == 0 {
		return fmt.Errorf("h2: MaxConcurrentStreams must be positive")
	}
	if o.MaxHeaderListSize == 0 {
		return fmt.Errorf("h2: MaxHeaderListSize must be positive")
	}
	return nil
}

package errors

import (
	"errors"
	"fmt"
	"time"
)

// NewProxyError builds the error raised when a CONNECT request receives a
// non-2xx response. Message format matches spec section 8, scenario S5:
// "{code} {reason}".
func NewProxyError(statusCode int, reason string) *Error {
	return &Error{
		Type:      ErrorTypeProxy,
		Op:        "connect",
		Message:   fmt.Sprintf("%d %s", statusCode, reason),
		Timestamp: time.Now(),
	}
}

// NewPoolTimeoutError builds the error raised when stream admission exceeds
// the configured pool timeout budget.
func NewPoolTimeoutError(op string) *Error {
	return &Error{
		Type:      ErrorTypePoolTimeout,
		Op:        op,
		Message:   "timed out waiting for a stream slot",
		Timestamp: time.Now(),
	}
}

// NewStreamProtocolError wraps a frame-level protocol violation (a peer
// RST_STREAM with a non-zero error code, a GOAWAY, a malformed or truncated
// header block, or the peer closing the connection). Raised while reading
// frames it is fatal to the connection; streams also use it for a stream
// that ends before its response arrives, which fails only that stream.
func NewStreamProtocolError(message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeProtocol,
		Op:        "frame",
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// ErrNewConnectionRequired signals that a connection's stream id space is
// exhausted. Engine.Request returns it after moving the engine to FULL;
// Client.Request passes it to its caller unchanged and does not retry the
// request on a fresh connection.
var ErrNewConnectionRequired = errors.New("h2transport: no stream ids available, new connection required")

// IsProxyError reports whether err is a ProxyError.
func IsProxyError(err error) bool {
	return GetErrorType(err) == ErrorTypeProxy
}

// IsPoolTimeout reports whether err is a PoolTimeout error.
func IsPoolTimeout(err error) bool {
	return GetErrorType(err) == ErrorTypePoolTimeout
}

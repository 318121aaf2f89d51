package connection

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	// ErrNotConnected is returned by Send when the connection is not CONNECTED.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrHandshakeTimeout is returned when a connection attempt exceeds the
	// handshake timeout.
	ErrHandshakeTimeout = errors.New("connection: handshake timed out")

	// ErrReconnectExhausted is attached to the ERROR transition once the
	// streaming transport stops retrying.
	ErrReconnectExhausted = errors.New("connection: reconnect attempts exhausted")

	// ErrSendNotSupported is returned by HTTPConnection.Send.
	ErrSendNotSupported = errors.New("connection: raw send not supported on polling transport, use MakeRequest")

	// ErrSendFailed is returned when a frame could not be written.
	ErrSendFailed = errors.New("connection: send failed")

	// ErrSimulatedFailure is returned by the simulated transport when its
	// reliability roll fails.
	ErrSimulatedFailure = errors.New("connection: simulated transport failure")

	// ErrInvalidConfig is returned by constructors for unusable configuration.
	ErrInvalidConfig = errors.New("connection: invalid configuration")
)

// StatusError is returned (wrapped with method and path) when a polling
// request gets a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

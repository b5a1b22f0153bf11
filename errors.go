package mcpconn

import (
	"errors"
	"fmt"
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotConnected indicates an operation was attempted on a disconnected transport.
	ErrNotConnected = errors.New("transport not connected")

	// ErrAlreadyConnected indicates Connect was called on a connected transport.
	ErrAlreadyConnected = errors.New("transport already connected")

	// ErrAlreadyInitialized indicates Initialize was called more than once on a Client.
	ErrAlreadyInitialized = errors.New("client already initialized")

	// ErrNotInitialized indicates a protocol operation was attempted before the
	// initialize handshake completed.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrCapabilityNotSupported indicates the server did not advertise the
	// capability required by the operation.
	ErrCapabilityNotSupported = errors.New("capability not supported by server")
)

// TransportError reports an I/O, process, or connectivity failure. Depending on
// the operation it may be fatal to the connection; it is never a protocol-level
// problem with the payload itself.
type TransportError struct {
	// Op names the operation that failed, e.g. "connect" or "receive".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or semantically invalid JSON-RPC frame.
// Protocol errors are never retried.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError reports a configuration or input contract violation detected
// before any I/O was attempted.
type ValidationError struct {
	// Field names the offending input, e.g. "message" or "command".
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// HTTPStatusError reports a terminal HTTP response, carrying the last status
// code observed and a best-effort excerpt of the response body.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Body)
}

func newTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

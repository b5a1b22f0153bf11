package mcpconn

import "context"

// Transport provides the client-side communication layer for MCP traffic. The two
// implementations in this package are StdIO, which spawns a subprocess and speaks
// newline-delimited JSON-RPC over its standard streams, and StreamableHTTP, which
// posts to a remote endpoint and pulls streamed replies over Server-Sent Events.
//
// All operations report failures as *TransportError, except payload contract
// violations detected before any I/O, which are *ValidationError, and malformed
// inbound frames, which are *ProtocolError.
type Transport interface {
	// Connect establishes the underlying carrier. Calling Connect on an already
	// connected transport fails with ErrAlreadyConnected.
	Connect(ctx context.Context) error

	// Send transmits one message. It fails immediately with ErrNotConnected if
	// the transport is not connected, without side effects.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Receive returns the next inbound message. It returns (nil, nil) when the
	// context deadline passes or the peer closed the stream cleanly; it never
	// blocks indefinitely.
	Receive(ctx context.Context) (*JSONRPCMessage, error)

	// Connected reports whether Connect succeeded and Close has not been called.
	Connected() bool

	// Close tears the connection down and releases all resources. It is
	// idempotent; resources are released even when part of the teardown fails.
	Close(ctx context.Context) error
}

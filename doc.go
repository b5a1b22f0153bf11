// Package mcpconn implements the client side of the Model Context Protocol (MCP)
// wire protocol over two carriers: a spawned subprocess speaking newline-delimited
// JSON-RPC on its standard streams, and a remote HTTP endpoint with an optional
// Server-Sent-Events channel. This implementation follows the official specification
// from https://spec.modelcontextprotocol.io/specification/.
//
// A Client drives either transport through the initialize handshake, correlates
// requests with responses, and gates capability-specific calls on the capabilities
// the server advertised. The streamable HTTP transport auto-negotiates between the
// current protocol revision and the legacy SSE-first one, and can resume a dropped
// event stream from the last delivered event id.
package mcpconn

package mcpconn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

// MessageKind discriminates the variants of the JSON-RPC message union.
type MessageKind int

const (
	MessageKindRequest MessageKind = iota
	MessageKindResponse
	MessageKindNotification
)

// ParseFailure records one line the codec rejected, kept for diagnostics only.
type ParseFailure struct {
	Line string
	Err  error
	At   time.Time
}

// Codec parses, serializes, and validates JSON-RPC frames against the protocol
// grammar. A zero-value Codec is not usable; create instances with NewCodec.
//
// The codec keeps a bounded rolling log of recent parse failures which can be
// inspected through ParseFailures. The log serves diagnostics, not correctness;
// rejected frames are never retried.
type Codec struct {
	maxFailures int

	mu       sync.Mutex
	failures []ParseFailure
}

const defaultCodecMaxFailures = 16

// NewCodec creates a codec that remembers up to maxFailures recent parse
// failures. A non-positive maxFailures selects the default of 16.
func NewCodec(maxFailures int) *Codec {
	if maxFailures <= 0 {
		maxFailures = defaultCodecMaxFailures
	}
	return &Codec{maxFailures: maxFailures}
}

// EncodeLine serializes msg as a single newline-terminated frame. It fails with
// a *ValidationError if the serialized form contains an embedded line terminator
// or is not valid UTF-8, since either would corrupt the newline-delimited framing.
func (c *Codec) EncodeLine(msg JSONRPCMessage) ([]byte, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	if bytes.ContainsAny(msgBs, "\n\r") {
		return nil, &ValidationError{Field: "message", Reason: "contains embedded line terminator"}
	}
	if !utf8.Valid(msgBs) {
		return nil, &ValidationError{Field: "message", Reason: "not valid UTF-8"}
	}

	return append(msgBs, '\n'), nil
}

// DecodeLine parses one frame into the message union and validates its shape.
// Malformed or structurally invalid frames fail with a *ProtocolError, distinct
// from transport-level I/O failures, and are recorded in the failure log.
func (c *Codec) DecodeLine(line []byte) (JSONRPCMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return JSONRPCMessage{}, c.reject(line, &ProtocolError{Reason: "invalid JSON frame", Err: err})
	}

	if err := validateShape(fields); err != nil {
		return JSONRPCMessage{}, c.reject(line, err)
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return JSONRPCMessage{}, c.reject(line, &ProtocolError{Reason: "invalid message fields", Err: err})
	}

	return msg, nil
}

// Kind classifies a decoded message. It must only be called on messages that
// passed DecodeLine validation.
func Kind(msg JSONRPCMessage) MessageKind {
	switch {
	case msg.Method != "" && msg.ID != "":
		return MessageKindRequest
	case msg.Method != "":
		return MessageKindNotification
	default:
		return MessageKindResponse
	}
}

// ParseFailures returns the most recent parse failures, oldest first.
func (c *Codec) ParseFailures() []ParseFailure {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ParseFailure, len(c.failures))
	copy(out, c.failures)
	return out
}

func (c *Codec) reject(line []byte, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = append(c.failures, ParseFailure{Line: string(line), Err: err, At: time.Now()})
	if len(c.failures) > c.maxFailures {
		c.failures = c.failures[len(c.failures)-c.maxFailures:]
	}
	return err
}

func validateShape(fields map[string]json.RawMessage) error {
	rawVersion, ok := fields["jsonrpc"]
	var version string
	if !ok || json.Unmarshal(rawVersion, &version) != nil || version != JSONRPCVersion {
		return &ProtocolError{Reason: fmt.Sprintf("jsonrpc version must be %q", JSONRPCVersion)}
	}

	rawMethod, hasMethod := fields["method"]
	rawID, hasID := fields["id"]
	_, hasResult := fields["result"]
	_, hasError := fields["error"]
	rawParams, hasParams := fields["params"]

	if hasID {
		if err := validateID(rawID); err != nil {
			return err
		}
	}
	if hasParams && !isStructured(rawParams) {
		return &ProtocolError{Reason: "params must be a structured value"}
	}

	switch {
	case hasMethod:
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return &ProtocolError{Reason: "method must be a non-empty string"}
		}
		// Requests require an id; notifications forbid one. Both constraints are
		// satisfied by the id validation above, so nothing more to check here.
		return nil
	case hasID:
		if hasResult == hasError {
			return &ProtocolError{Reason: "response must carry exactly one of result and error"}
		}
		return nil
	default:
		return &ProtocolError{Reason: "message is neither request, response, nor notification"}
	}
}

func validateID(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &ProtocolError{Reason: "id is not valid JSON", Err: err}
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return &ProtocolError{Reason: "id must not be empty"}
		}
		return nil
	case float64:
		if id != float64(int64(id)) {
			return &ProtocolError{Reason: "id must be a string or integer"}
		}
		return nil
	default:
		return &ProtocolError{Reason: "id must be a string or integer"}
	}
}

func isStructured(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

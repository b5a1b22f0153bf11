package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerLastEventID     = "Last-Event-ID"

	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"

	// ProtocolVersionAuto asks the transport to probe the server and pick a
	// protocol revision on Connect.
	ProtocolVersionAuto = "auto"

	defaultHTTPReceiveTimeout = 30 * time.Second
	defaultStreamTimeout      = 10 * time.Second
	defaultMaxEventSize       = 4 * 1024 * 1024
)

// httpItem is one unit handed to Receive: either a decoded message or a
// terminal stream error.
type httpItem struct {
	msg JSONRPCMessage
	err error
}

// StreamableHTTP is a Transport that talks to a remote MCP server over HTTP.
// Requests go out as JSON-RPC POST bodies; replies come back either as
// immediate JSON responses or over Server-Sent Events streams.
//
// Two protocol revisions are supported. The streamable revision posts all
// traffic to a single endpoint, carries an optional server-issued session id
// in the Mcp-Session-Id header, and opens a GET event stream lazily. The
// legacy revision opens the event stream first and learns its POST endpoint
// from a one-time "endpoint" event. By default the revision is detected by
// probing the server on Connect.
//
// Delivered stream events that carry an id are recorded in the configured
// EventStore and the transport resumes interrupted streams by replaying the
// Last-Event-ID header. Instances should be created using NewStreamableHTTP.
type StreamableHTTP struct {
	endpoint        string
	logger          *slog.Logger
	codec           *Codec
	req             *requester
	httpClient      *http.Client
	auth            AuthProvider
	protocolVersion string
	maxRetries      uint
	retryBaseDelay  time.Duration
	streamTimeout   time.Duration
	receiveTimeout  time.Duration
	maxEventSize    int
	eventStore      EventStore
	resume          bool

	mu                sync.Mutex
	connected         bool
	legacy            bool
	baseURL           *url.URL
	postURL           string
	sessionID         string
	negotiatedVersion string
	pending           []JSONRPCMessage
	lastEventID       string
	streamOpen        bool
	streamUnsupported bool
	activeStreams     []*eventReader
	incoming          chan httpItem
	done              chan struct{}
}

// StreamableHTTPOption represents the options for the StreamableHTTP transport.
type StreamableHTTPOption func(*StreamableHTTP)

// NewStreamableHTTP creates a transport targeting the given endpoint URL. The
// endpoint is both the POST target and the event stream URL for the streamable
// protocol, and the stream URL for the legacy protocol. Connect must be called
// before any traffic flows.
func NewStreamableHTTP(endpoint string, options ...StreamableHTTPOption) *StreamableHTTP {
	t := &StreamableHTTP{
		endpoint:        endpoint,
		logger:          slog.Default(),
		codec:           NewCodec(0),
		protocolVersion: ProtocolVersionAuto,
		maxRetries:      defaultMaxRetries,
		retryBaseDelay:  defaultRetryBaseDelay,
		streamTimeout:   defaultStreamTimeout,
		receiveTimeout:  defaultHTTPReceiveTimeout,
		maxEventSize:    defaultMaxEventSize,
		resume:          true,
	}
	for _, opt := range options {
		opt(t)
	}
	t.req = newRequester(t.httpClient, t.auth, t.maxRetries, t.retryBaseDelay, t.logger)
	return t
}

// WithHTTPClient sets a custom HTTP client, e.g. to control timeouts or TLS.
func WithHTTPClient(client *http.Client) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		t.httpClient = client
	}
}

// WithHTTPAuth installs an AuthProvider that decorates every outgoing request.
func WithHTTPAuth(auth AuthProvider) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		t.auth = auth
	}
}

// WithHTTPProtocolVersion pins the protocol revision instead of probing.
// Accepted values are ProtocolVersionStreamable, ProtocolVersionLegacy, and
// ProtocolVersionAuto.
func WithHTTPProtocolVersion(version string) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		t.protocolVersion = version
	}
}

// WithHTTPMaxRetries sets how many additional attempts a failed request gets.
func WithHTTPMaxRetries(n uint) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		t.maxRetries = n
	}
}

// WithHTTPRetryBaseDelay sets the first retry delay. Subsequent delays double.
func WithHTTPRetryBaseDelay(d time.Duration) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		t.retryBaseDelay = d
	}
}

// WithHTTPStreamTimeout bounds how long the legacy connect waits for the
// server's "endpoint" event.
func WithHTTPStreamTimeout(d time.Duration) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		if d > 0 {
			t.streamTimeout = d
		}
	}
}

// WithHTTPReceiveTimeout sets the default Receive timeout applied when the
// caller's context has no deadline.
func WithHTTPReceiveTimeout(d time.Duration) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		if d > 0 {
			t.receiveTimeout = d
		}
	}
}

// WithHTTPEventStore installs the store that records delivered stream events
// for replay after a reconnect.
func WithHTTPEventStore(store EventStore) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		t.eventStore = store
	}
}

// WithHTTPMaxEventSize caps the size of a single SSE event.
func WithHTTPMaxEventSize(size int) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		t.maxEventSize = size
	}
}

// WithHTTPResumption toggles Last-Event-ID stream resumption.
func WithHTTPResumption(enabled bool) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		t.resume = enabled
	}
}

// WithHTTPLogger sets the logger for transport diagnostics.
func WithHTTPLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(t *StreamableHTTP) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Connect probes the server when the protocol revision is ProtocolVersionAuto,
// then prepares the selected revision: the streamable protocol needs no event
// stream up front, the legacy protocol establishes its stream and waits for
// the endpoint event before Connect returns.
func (t *StreamableHTTP) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.mu.Unlock()

	base, err := url.Parse(t.endpoint)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return &ValidationError{Field: "endpoint", Reason: fmt.Sprintf("not an absolute URL: %q", t.endpoint)}
	}

	legacy := false
	switch t.protocolVersion {
	case ProtocolVersionStreamable:
	case ProtocolVersionLegacy:
		legacy = true
	case ProtocolVersionAuto:
		legacy, err = t.detectLegacy(ctx)
		if err != nil {
			return newTransportError("connect", err)
		}
	default:
		return &ValidationError{Field: "protocolVersion", Reason: fmt.Sprintf("unknown revision %q", t.protocolVersion)}
	}

	t.mu.Lock()
	t.baseURL = base
	t.postURL = t.endpoint
	t.legacy = legacy
	t.pending = nil
	t.sessionID = ""
	t.negotiatedVersion = ""
	if !t.resume {
		// With replay enabled the last delivered event id survives a
		// reconnect so the next stream open can ask the server to resume.
		t.lastEventID = ""
	}
	t.streamOpen = false
	t.streamUnsupported = false
	t.incoming = make(chan httpItem, 16)
	t.done = make(chan struct{})
	t.connected = true
	t.mu.Unlock()

	if legacy {
		if err := t.connectLegacyStream(ctx); err != nil {
			t.teardown()
			return err
		}
	}
	return nil
}

// detectLegacy classifies the server with a single non-retried probe shaped
// like an initialize request. A 200 means the streamable revision; 405 or any
// other status selects the legacy revision. A transport-level failure is
// returned as-is so an unreachable server fails fast instead of falling back.
func (t *StreamableHTTP) detectLegacy(ctx context.Context) (bool, error) {
	body, err := json.Marshal(t.initializeProbe())
	if err != nil {
		return false, fmt.Errorf("failed to marshal probe: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", contentTypeJSON)
	header.Set("Accept", contentTypeJSON+", "+contentTypeEventStream)

	resp, err := t.req.doOnce(ctx, http.MethodPost, t.endpoint, body, header)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return false, nil
	}
	t.logger.Debug("protocol probe rejected, using legacy revision",
		slog.Int("status", resp.StatusCode))
	return true, nil
}

func (t *StreamableHTTP) initializeProbe() JSONRPCMessage {
	params, _ := json.Marshal(initializeParams{
		ProtocolVersion: ProtocolVersionStreamable,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      Info{Name: "mcpconn", Version: "probe"},
	})
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  methodInitialize,
		Params:  params,
	}
}

// connectLegacyStream opens the SSE stream and blocks until the server names
// its POST endpoint. Not receiving the endpoint event within the stream
// timeout is a fatal connect error.
func (t *StreamableHTTP) connectLegacyStream(ctx context.Context) error {
	reader, err := t.openStream(ctx, "")
	if err != nil {
		return newTransportError("connect", err)
	}

	timer := time.NewTimer(t.streamTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			reader.Close()
			return newTransportError("connect", ctx.Err())
		case <-timer.C:
			reader.Close()
			return newTransportError("connect", errors.New("no endpoint event received before stream timeout"))
		case ev, ok := <-reader.Events():
			if !ok {
				return newTransportError("connect", errors.New("event stream closed before endpoint event"))
			}
			if ev.err != nil {
				reader.Close()
				return newTransportError("connect", ev.err)
			}
			if ev.name != eventNameEndpoint {
				t.deliverStreamEvent(ev)
				continue
			}

			target, err := parseEndpointPayload(ev.data)
			if err != nil {
				reader.Close()
				return newTransportError("connect", err)
			}
			resolved, err := resolveEndpointURL(t.baseURL, target)
			if err != nil {
				reader.Close()
				return newTransportError("connect", err)
			}

			t.mu.Lock()
			t.postURL = resolved
			t.mu.Unlock()

			go t.consumeStream(reader, true)
			return nil
		}
	}
}

// Send posts one message. Immediate JSON responses are buffered for Receive;
// an event-stream response body is consumed in the background and feeds
// Receive as its events arrive.
func (t *StreamableHTTP) Send(ctx context.Context, msg JSONRPCMessage) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	target := t.postURL
	header := t.requestHeader()
	t.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	header.Set("Content-Type", contentTypeJSON)
	header.Set("Accept", contentTypeJSON+", "+contentTypeEventStream)

	resp, err := t.req.do(ctx, http.MethodPost, target, body, header)
	if err != nil {
		return newTransportError("send", err)
	}

	t.adoptSessionID(resp.Header.Get(headerSessionID))

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		resp.Body.Close()
		return nil
	case resp.StatusCode != http.StatusOK:
		snippet := readBodySnippet(resp.Body)
		resp.Body.Close()
		return newTransportError("send", &HTTPStatusError{StatusCode: resp.StatusCode, Body: snippet})
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == contentTypeEventStream {
		reader := newEventReader(resp.Body, t.maxEventSize, t.logger)
		go t.consumeStream(reader, false)
		return nil
	}

	return t.bufferJSONResponse(resp, msg)
}

// bufferJSONResponse parses an immediate response body and queues it for
// Receive. Replies to the initialize request also surface the session id and
// the negotiated protocol revision.
func (t *StreamableHTTP) bufferJSONResponse(resp *http.Response, sent JSONRPCMessage) error {
	defer resp.Body.Close()

	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return newTransportError("send", fmt.Errorf("failed to read response body: %w", err))
	}
	if len(strings.TrimSpace(string(bs))) == 0 {
		return nil
	}

	reply, err := t.codec.DecodeLine(bs)
	if err != nil {
		return &ProtocolError{Reason: "invalid response body", Err: err}
	}

	if sent.Method == methodInitialize {
		var result initializeResult
		if reply.Result != nil && json.Unmarshal(reply.Result, &result) == nil {
			t.mu.Lock()
			t.negotiatedVersion = result.ProtocolVersion
			t.mu.Unlock()
		}
		var embedded struct {
			SessionID string `json:"sessionId"`
		}
		if reply.Result != nil && json.Unmarshal(reply.Result, &embedded) == nil {
			t.adoptSessionID(embedded.SessionID)
		}
	}

	t.mu.Lock()
	t.pending = append(t.pending, reply)
	t.mu.Unlock()
	return nil
}

// Receive drains buffered synchronous responses first, then falls back to the
// live event stream, opening it on demand for the streamable revision. It
// returns (nil, nil) when the timeout passes or the transport was closed.
func (t *StreamableHTTP) Receive(ctx context.Context) (*JSONRPCMessage, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	if len(t.pending) > 0 {
		msg := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		return &msg, nil
	}
	needStream := !t.legacy && !t.streamOpen && !t.streamUnsupported
	incoming := t.incoming
	done := t.done
	t.mu.Unlock()

	if needStream {
		if err := t.ensureStandaloneStream(ctx); err != nil {
			return nil, err
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.receiveTimeout)
		defer cancel()
	}

	select {
	case <-done:
		return nil, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, newTransportError("receive", ctx.Err())
	case item := <-incoming:
		if item.err != nil {
			return nil, item.err
		}
		return &item.msg, nil
	}
}

// ensureStandaloneStream opens the GET event stream for the streamable
// revision. A 405 means the server offers no stream; that is remembered so
// Receive does not probe again.
func (t *StreamableHTTP) ensureStandaloneStream(ctx context.Context) error {
	t.mu.Lock()
	if t.streamOpen || t.streamUnsupported {
		t.mu.Unlock()
		return nil
	}
	lastEventID := ""
	if t.resume {
		lastEventID = t.lastEventID
	}
	t.mu.Unlock()

	reader, err := t.openStream(ctx, lastEventID)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusMethodNotAllowed {
			t.mu.Lock()
			t.streamUnsupported = true
			t.mu.Unlock()
			return nil
		}
		if lastEventID != "" {
			// Resumption failed. Discard the event id and try once from scratch.
			t.mu.Lock()
			t.lastEventID = ""
			t.mu.Unlock()
			reader, err = t.openStream(ctx, "")
		}
		if err != nil {
			return newTransportError("receive", err)
		}
	}

	t.mu.Lock()
	t.streamOpen = true
	t.mu.Unlock()
	go t.consumeStream(reader, true)
	return nil
}

// openStream issues the GET request that carries an event stream, optionally
// asking the server to replay everything after lastEventID.
func (t *StreamableHTTP) openStream(ctx context.Context, lastEventID string) (*eventReader, error) {
	t.mu.Lock()
	header := t.requestHeader()
	t.mu.Unlock()
	header.Set("Accept", contentTypeEventStream)
	if lastEventID != "" {
		header.Set(headerLastEventID, lastEventID)
	}

	resp, err := t.req.doOnce(ctx, http.MethodGet, t.endpoint, nil, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: readBodySnippet(resp.Body)}
		resp.Body.Close()
		return nil, statusErr
	}

	t.adoptSessionID(resp.Header.Get(headerSessionID))

	reader := newEventReader(resp.Body, t.maxEventSize, t.logger)
	t.mu.Lock()
	t.activeStreams = append(t.activeStreams, reader)
	t.mu.Unlock()
	return reader, nil
}

// consumeStream pumps one event stream into the incoming queue. When a
// standalone stream ends unexpectedly the transport tries to resume it with
// the last delivered event id, then once more from scratch, before giving up.
func (t *StreamableHTTP) consumeStream(reader *eventReader, standalone bool) {
	defer reader.Close()

	for ev := range reader.Events() {
		if ev.err != nil {
			t.logger.Debug("event stream failed", slog.String("err", ev.err.Error()))
			break
		}
		t.deliverStreamEvent(ev)
	}

	t.mu.Lock()
	closed := !t.connected
	if standalone {
		t.streamOpen = false
	}
	t.mu.Unlock()

	if !standalone || closed || t.legacy {
		return
	}

	if err := t.reopenStandaloneStream(); err != nil {
		t.logger.Warn("failed to reopen event stream", slog.String("err", err.Error()))
		t.pushItem(httpItem{err: newTransportError("receive", err)})
	}
}

func (t *StreamableHTTP) reopenStandaloneStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.streamTimeout)
	defer cancel()
	return t.ensureStandaloneStream(ctx)
}

// deliverStreamEvent decodes one "message" event, records it for replay when
// it carries an id, and queues it for Receive. Malformed frames are logged
// and skipped; the stream itself stays healthy.
func (t *StreamableHTTP) deliverStreamEvent(ev streamEvent) {
	if ev.name == eventNameEndpoint {
		// Only meaningful during the legacy connect, ignore afterwards.
		return
	}
	if ev.name != eventNameMessage {
		t.logger.Debug("unhandled event type", slog.String("type", ev.name))
		return
	}

	msg, err := t.codec.DecodeLine([]byte(ev.data))
	if err != nil {
		t.logger.Warn("failed to decode stream event", slog.String("err", err.Error()))
		return
	}

	if ev.id != "" {
		t.mu.Lock()
		t.lastEventID = ev.id
		streamID := t.sessionID
		t.mu.Unlock()

		if t.eventStore != nil {
			if streamID == "" {
				streamID = t.endpoint
			}
			if _, err := t.eventStore.StoreEvent(streamID, msg); err != nil {
				t.logger.Warn("failed to record stream event", slog.String("err", err.Error()))
			}
		}
	}

	t.pushItem(httpItem{msg: msg})
}

func (t *StreamableHTTP) pushItem(item httpItem) {
	t.mu.Lock()
	incoming := t.incoming
	done := t.done
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return
	}
	select {
	case incoming <- item:
	case <-done:
	}
}

// requestHeader builds the shared per-request headers. Callers must hold mu.
func (t *StreamableHTTP) requestHeader() http.Header {
	header := make(http.Header)
	if t.sessionID != "" {
		header.Set(headerSessionID, t.sessionID)
	}
	if t.negotiatedVersion != "" {
		header.Set(headerProtocolVersion, t.negotiatedVersion)
	}
	return header
}

func (t *StreamableHTTP) adoptSessionID(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// Connected implements Transport.
func (t *StreamableHTTP) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SessionID returns the server-issued session identifier, or an empty string
// in session-less mode.
func (t *StreamableHTTP) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Close terminates the session with a best-effort DELETE when the server
// issued a session id, then shuts all streams down. Termination failures are
// logged, never raised; Close is idempotent.
func (t *StreamableHTTP) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	sessionID := t.sessionID
	legacy := t.legacy
	header := t.requestHeader()
	done := t.done
	streams := t.activeStreams
	t.activeStreams = nil
	t.pending = nil
	t.mu.Unlock()

	if !legacy && sessionID != "" {
		resp, err := t.req.do(ctx, http.MethodDelete, t.endpoint, nil, header)
		if err != nil {
			t.logger.Warn("failed to terminate session", slog.String("err", err.Error()))
		} else {
			resp.Body.Close()
		}
	}

	close(done)
	for _, reader := range streams {
		reader.Close()
	}
	return nil
}

// teardown reverts a partially established connection.
func (t *StreamableHTTP) teardown() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	done := t.done
	streams := t.activeStreams
	t.activeStreams = nil
	t.mu.Unlock()

	close(done)
	for _, reader := range streams {
		reader.Close()
	}
}

// ParseFailures exposes the codec's rolling log of recently rejected frames.
func (t *StreamableHTTP) ParseFailures() []ParseFailure {
	return t.codec.ParseFailures()
}

var _ Transport = (*StreamableHTTP)(nil)

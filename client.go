package mcpconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SessionState tracks where a Client is in its lifecycle.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateReady
	StateError
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client drives a Transport through the MCP handshake and the RPC traffic
// that follows. It negotiates protocol version and capabilities with the
// server before any other request is allowed, and gates every operation on
// what the server actually advertised: list operations on an unadvertised
// capability quietly return empty results, anything that would act on server
// state fails with ErrCapabilityNotSupported.
//
// A Client is a single logical flow of control. It issues one request at a
// time and pumps the transport synchronously while waiting for the matching
// response; server-initiated traffic that arrives in between (notifications,
// pings, roots and sampling requests) is dispatched inline. It is not safe
// for concurrent use from multiple goroutines.
//
// Instances should be created using NewClient, connected with Connect, and
// released with Close.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	transport    Transport
	logger       *slog.Logger

	rootsListHandler RootsListHandler
	samplingHandler  SamplingHandler

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher

	progressListener ProgressListener
	logReceiver      LogReceiver

	requestTimeout time.Duration
	initTimeout    time.Duration

	state              SessionState
	serverInfo         Info
	serverCapabilities ServerCapabilities
	negotiatedVersion  string
	instructions       string

	// Responses that arrived while waiting for a different request id.
	buffered map[string]JSONRPCMessage
}

var (
	defaultClientRequestTimeout = 30 * time.Second
	defaultClientInitTimeout    = 60 * time.Second
)

// WithRootsListHandler sets the roots list handler for the client.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithSamplingHandler sets the sampling handler for the client.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the resource subscribe watcher for the client.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithRequestTimeout bounds how long each request waits for its response.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithInitTimeout bounds the initialize handshake separately from ordinary
// requests, since servers often do their heaviest work on startup.
func WithInitTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.initTimeout = timeout
	}
}

// WithClientLogger sets the logger for client diagnostics.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client speaking through the given transport. The info
// parameter identifies this client to the server during the handshake.
//
// The client advertises the roots capability when a RootsListHandler is
// configured and the sampling capability when a SamplingHandler is
// configured. It is not connected until Connect is called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		state:     StateUninitialized,
		buffered:  make(map[string]JSONRPCMessage),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}
	if c.initTimeout == 0 {
		c.initTimeout = defaultClientInitTimeout
	}

	c.capabilities = ClientCapabilities{}
	if c.rootsListHandler != nil {
		c.capabilities.Roots = &RootsCapability{}
	}
	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}

	return c
}

// Connect establishes the transport and runs the initialize handshake. It is
// the usual entry point; callers that manage the transport's lifecycle
// themselves can call Initialize directly instead.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	if err := c.Initialize(ctx); err != nil {
		cCtx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		defer cancel()
		if cErr := c.transport.Close(cCtx); cErr != nil {
			c.logger.Warn("failed to close transport after handshake failure", "err", cErr)
		}
		return err
	}
	return nil
}

// Initialize performs the one-shot handshake: it sends the initialize
// request, validates the server's protocol version against the revisions
// this client speaks, stores the advertised capabilities, and completes with
// the initialized notification. Calling it again after it has run, whether
// it succeeded or failed, returns ErrAlreadyInitialized.
//
// A rejected or unsupported handshake leaves the client in an error state
// with no capabilities stored.
func (c *Client) Initialize(ctx context.Context) error {
	if c.state != StateUninitialized {
		return fmt.Errorf("%w: state is %s", ErrAlreadyInitialized, c.state)
	}
	c.state = StateInitializing

	iCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	params, err := json.Marshal(initializeParams{
		ProtocolVersion: ProtocolVersionStreamable,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		c.state = StateError
		return &ProtocolError{Reason: "failed to marshal initialize params", Err: err}
	}

	msgID := uuid.New().String()
	if err := c.transport.Send(iCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(msgID),
		Method:  methodInitialize,
		Params:  params,
	}); err != nil {
		c.state = StateError
		return &ProtocolError{Reason: "failed to send initialize request", Err: err}
	}

	res, err := c.awaitResponse(iCtx, msgID)
	if err != nil {
		c.state = StateError
		return &ProtocolError{Reason: "no initialize response", Err: err}
	}
	if res.Error != nil {
		c.state = StateError
		return &ProtocolError{Reason: "initialize rejected", Err: *res.Error}
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		c.state = StateError
		return &ProtocolError{Reason: "invalid initialize result", Err: err}
	}

	if !protocolVersionSupported(result.ProtocolVersion) {
		c.state = StateError
		return &ProtocolError{
			Reason: fmt.Sprintf("unsupported protocol version %q", result.ProtocolVersion),
		}
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.negotiatedVersion = result.ProtocolVersion
	c.instructions = result.Instructions

	if err := c.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		c.state = StateError
		return &ProtocolError{Reason: "failed to complete handshake", Err: err}
	}

	c.state = StateReady
	return nil
}

// Ping checks that the server is still responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	res, err := c.sendRequest(ctx, methodPing, nil)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	return nil
}

// ListPrompts retrieves a paginated list of available prompts. A server that
// never advertised the prompts capability yields an empty result.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	if err := c.ensureReady(); err != nil {
		return ListPromptsResult{}, err
	}
	if c.serverCapabilities.Prompts == nil {
		return ListPromptsResult{}, nil
	}
	return callRPC[ListPromptsResult](ctx, c, MethodPromptsList, params)
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.ensureReady(); err != nil {
		return GetPromptResult{}, err
	}
	if c.serverCapabilities.Prompts == nil {
		return GetPromptResult{}, fmt.Errorf("prompts: %w", ErrCapabilityNotSupported)
	}
	return callRPC[GetPromptResult](ctx, c, MethodPromptsGet, params)
}

// CompletesPrompt requests completion suggestions for a prompt argument.
func (c *Client) CompletesPrompt(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error) {
	if err := c.ensureReady(); err != nil {
		return CompletionResult{}, err
	}
	if c.serverCapabilities.Prompts == nil {
		return CompletionResult{}, fmt.Errorf("prompts: %w", ErrCapabilityNotSupported)
	}
	return callRPC[CompletionResult](ctx, c, MethodCompletionComplete, params)
}

// ListResources retrieves a paginated list of available resources. A server
// that never advertised the resources capability yields an empty result.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.ensureReady(); err != nil {
		return ListResourcesResult{}, err
	}
	if c.serverCapabilities.Resources == nil {
		return ListResourcesResult{}, nil
	}
	return callRPC[ListResourcesResult](ctx, c, MethodResourcesList, params)
}

// ReadResource retrieves the content and metadata of a specific resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.ensureReady(); err != nil {
		return ReadResourceResult{}, err
	}
	if c.serverCapabilities.Resources == nil {
		return ReadResourceResult{}, fmt.Errorf("resources: %w", ErrCapabilityNotSupported)
	}
	return callRPC[ReadResourceResult](ctx, c, MethodResourcesRead, params)
}

// ListResourceTemplates retrieves the server's parameterized resource
// templates. A server that never advertised the resources capability yields
// an empty result.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if err := c.ensureReady(); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	if c.serverCapabilities.Resources == nil {
		return ListResourceTemplatesResult{}, nil
	}
	return callRPC[ListResourceTemplatesResult](ctx, c, MethodResourcesTemplatesList, params)
}

// CompletesResourceTemplate requests completion suggestions for a resource
// template argument.
func (c *Client) CompletesResourceTemplate(
	ctx context.Context,
	params CompletesCompletionParams,
) (CompletionResult, error) {
	if err := c.ensureReady(); err != nil {
		return CompletionResult{}, err
	}
	if c.serverCapabilities.Resources == nil {
		return CompletionResult{}, fmt.Errorf("resources: %w", ErrCapabilityNotSupported)
	}
	return callRPC[CompletionResult](ctx, c, MethodCompletionComplete, params)
}

// SubscribeResource registers the client for change notifications about a
// specific resource, delivered through the ResourceSubscribedWatcher.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if c.serverCapabilities.Resources == nil {
		return fmt.Errorf("resources: %w", ErrCapabilityNotSupported)
	}
	_, err := callRPC[struct{}](ctx, c, MethodResourcesSubscribe, params)
	return err
}

// UnsubscribeResource unregisters the client from change notifications about
// a specific resource.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if c.serverCapabilities.Resources == nil {
		return fmt.Errorf("resources: %w", ErrCapabilityNotSupported)
	}
	_, err := callRPC[struct{}](ctx, c, MethodResourcesUnsubscribe, params)
	return err
}

// ListTools retrieves a paginated list of available tools. A server that
// never advertised the tools capability yields an empty result.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.ensureReady(); err != nil {
		return ListToolsResult{}, err
	}
	if c.serverCapabilities.Tools == nil {
		return ListToolsResult{}, nil
	}
	return callRPC[ListToolsResult](ctx, c, MethodToolsList, params)
}

// CallTool executes a specific tool and returns its result.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.ensureReady(); err != nil {
		return CallToolResult{}, err
	}
	if c.serverCapabilities.Tools == nil {
		return CallToolResult{}, fmt.Errorf("tools: %w", ErrCapabilityNotSupported)
	}
	return callRPC[CallToolResult](ctx, c, MethodToolsCall, params)
}

// SetLogLevel asks the server to adjust the minimum severity of the log
// messages it emits.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if c.serverCapabilities.Logging == nil {
		return fmt.Errorf("logging: %w", ErrCapabilityNotSupported)
	}
	_, err := callRPC[struct{}](ctx, c, MethodLoggingSetLevel, LogParams{Level: level})
	return err
}

// State returns the client's lifecycle state.
func (c *Client) State() SessionState {
	return c.state
}

// ServerInfo returns the server's identity as reported during the handshake.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerInstructions returns the optional usage instructions the server
// provided during the handshake.
func (c *Client) ServerInstructions() string {
	return c.instructions
}

// ProtocolVersion returns the protocol revision negotiated with the server.
func (c *Client) ProtocolVersion() string {
	return c.negotiatedVersion
}

// PromptServerSupported returns true if the server supports prompt management.
func (c *Client) PromptServerSupported() bool {
	return c.serverCapabilities.Prompts != nil
}

// ResourceServerSupported returns true if the server supports resource management.
func (c *Client) ResourceServerSupported() bool {
	return c.serverCapabilities.Resources != nil
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	return c.serverCapabilities.Tools != nil
}

// LoggingServerSupported returns true if the server supports logging.
func (c *Client) LoggingServerSupported() bool {
	return c.serverCapabilities.Logging != nil
}

// Close moves the client to the disconnected state and releases the
// transport. Session state, capabilities, and buffered responses are cleared
// unconditionally even when transport teardown fails.
func (c *Client) Close(ctx context.Context) error {
	c.state = StateDisconnected
	c.serverInfo = Info{}
	c.serverCapabilities = ServerCapabilities{}
	c.negotiatedVersion = ""
	c.instructions = ""
	c.buffered = make(map[string]JSONRPCMessage)

	if err := c.transport.Close(ctx); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

func (c *Client) ensureReady() error {
	switch c.state {
	case StateReady:
		return nil
	case StateUninitialized, StateInitializing:
		return ErrNotInitialized
	default:
		return fmt.Errorf("%w: state is %s", ErrNotInitialized, c.state)
	}
}

// callRPC issues one request and decodes its result into T.
func callRPC[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var result T

	res, err := c.sendRequest(ctx, method, params)
	if err != nil {
		return result, err
	}
	if res.Error != nil {
		return result, fmt.Errorf("result error: %w", res.Error)
	}
	if res.Result == nil {
		return result, nil
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return result, &ProtocolError{Reason: fmt.Sprintf("invalid %s result", method), Err: err}
	}
	return result, nil
}

func (c *Client) sendRequest(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	rCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := c.transport.Send(rCtx, msg); err != nil {
		return JSONRPCMessage{}, err
	}

	res, err := c.awaitResponse(rCtx, string(msg.ID))
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up. Tell the server to stop working on it.
			if nErr := c.sendNotification(context.Background(), methodNotificationsCancelled, notificationsCancelledParams{
				RequestID: string(msg.ID),
				Reason:    userCancelledReason,
			}); nErr != nil {
				c.logger.Warn("failed to send cancellation", "err", nErr)
			}
		}
		return JSONRPCMessage{}, err
	}
	return res, nil
}

// awaitResponse pumps the transport until the response with the wanted id
// arrives. Responses to other requests are buffered for their own waiters;
// notifications and server-initiated requests are dispatched inline.
func (c *Client) awaitResponse(ctx context.Context, msgID string) (JSONRPCMessage, error) {
	if res, ok := c.buffered[msgID]; ok {
		delete(c.buffered, msgID)
		return res, nil
	}

	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			return JSONRPCMessage{}, err
		}
		if msg == nil {
			if ctx.Err() != nil {
				return JSONRPCMessage{}, fmt.Errorf("request %s: %w", msgID, ctx.Err())
			}
			return JSONRPCMessage{}, fmt.Errorf("no response for request %s before timeout", msgID)
		}

		if Kind(*msg) == MessageKindResponse {
			if string(msg.ID) == msgID {
				return *msg, nil
			}
			c.buffered[string(msg.ID)] = *msg
			continue
		}

		c.dispatch(ctx, *msg)
	}
}

// dispatch routes one server-initiated message: notifications go to their
// watchers, requests are answered on the spot.
func (c *Client) dispatch(ctx context.Context, msg JSONRPCMessage) {
	switch msg.Method {
	case methodPing:
		if err := c.sendResult(ctx, msg.ID, struct{}{}); err != nil {
			c.logger.Error("failed to answer ping", "err", err)
		}
	case MethodRootsList:
		c.handleListRoots(ctx, msg)
	case MethodSamplingCreateMessage:
		c.handleSamplingMessage(ctx, msg)
	case methodNotificationsPromptsListChanged:
		if c.promptListWatcher != nil {
			c.promptListWatcher.OnPromptListChanged()
		}
	case methodNotificationsResourcesListChanged:
		if c.resourceListWatcher != nil {
			c.resourceListWatcher.OnResourceListChanged()
		}
	case methodNotificationsResourcesUpdated:
		if c.resourceSubscribedWatcher != nil {
			var params SubscribeResourceParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal resources updated params", "err", err)
				return
			}
			c.resourceSubscribedWatcher.OnResourceSubscribedChanged(params.URI)
		}
	case methodNotificationsToolsListChanged:
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case methodNotificationsProgress:
		if c.progressListener == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal progress params", "err", err)
			return
		}
		c.progressListener.OnProgress(params)
	case methodNotificationsMessage:
		if c.logReceiver == nil {
			return
		}
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal log params", "err", err)
			return
		}
		c.logReceiver.OnLog(params)
	default:
		c.logger.Debug("unhandled message", "method", msg.Method)
	}
}

func (c *Client) handleListRoots(ctx context.Context, msg JSONRPCMessage) {
	if c.rootsListHandler == nil {
		c.sendMethodNotFound(ctx, msg)
		return
	}

	roots, err := c.rootsListHandler.RootsList(ctx)
	if err != nil {
		c.logger.Error("failed to list roots", "err", err)
		return
	}
	if err := c.sendResult(ctx, msg.ID, roots); err != nil {
		c.logger.Error("failed to send result", "err", err)
	}
}

func (c *Client) handleSamplingMessage(ctx context.Context, msg JSONRPCMessage) {
	if c.samplingHandler == nil {
		c.sendMethodNotFound(ctx, msg)
		return
	}

	var params SamplingParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Error("failed to unmarshal sampling params", "err", err)
		return
	}

	result, err := c.samplingHandler.CreateSampleMessage(ctx, params)
	if err != nil {
		c.logger.Error("failed to create sample message", "err", err)
		return
	}
	if err := c.sendResult(ctx, msg.ID, result); err != nil {
		c.logger.Error("failed to send result", "err", err)
	}
}

func (c *Client) sendMethodNotFound(ctx context.Context, msg JSONRPCMessage) {
	err := c.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Error: &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method %s not supported", msg.Method),
		},
	})
	if err != nil {
		c.logger.Error("failed to send error response", "err", err)
	}
}

func (c *Client) sendResult(ctx context.Context, id MustString, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return c.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	sCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := c.transport.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// Package engine implements the transport-agnostic protocol dispatcher: the
// handshake state machine, the method router and the subscription /
// notification fan-out shared by the stdio and streaming HTTP bindings.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/relaywire/mcpserve/internal/jsonrpc"
	"github.com/relaywire/mcpserve/internal/logctx"
	"github.com/relaywire/mcpserve/mcp"
	"github.com/relaywire/mcpserve/mcpservice"
)

// MessageSink is the engine's view of the active transport: a single push
// operation used for outbound notifications, bypassing request/response
// correlation.
type MessageSink interface {
	SendMessage(ctx context.Context, msg []byte) error
}

// Engine dispatches decoded protocol messages against the capability
// registries and tracks the single process-wide session state.
//
// The initialized flag is deliberately process-wide rather than
// per-connection, even over HTTP. That is a documented simplification of
// this server's session model, preserved as-is.
type Engine struct {
	log  *slog.Logger
	caps *mcpservice.Server

	mu          sync.Mutex
	initialized bool
	subs        map[string]map[string]struct{} // uri -> set(subscriberID)
	sink        MessageSink
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to discarding.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New constructs an Engine over the given capability registries. The engine
// holds non-owning references; it never mutates the registries.
func New(caps *mcpservice.Server, opts ...Option) *Engine {
	e := &Engine{
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		caps: caps,
		subs: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AttachTransport registers the active transport's push sink. Notifications
// are dropped while no sink is attached.
func (e *Engine) AttachTransport(sink MessageSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// DetachTransport clears the push sink.
func (e *Engine) DetachTransport() {
	e.mu.Lock()
	e.sink = nil
	e.mu.Unlock()
}

// Initialized reports whether notifications/initialized has been processed.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// RemoveSubscriber drops every subscription held by the given identity. Used
// when a streaming connection is torn down.
func (e *Engine) RemoveSubscriber(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for uri, set := range e.subs {
		delete(set, id)
		if len(set) == 0 {
			delete(e.subs, uri)
		}
	}
}

// HandleMessage decodes and dispatches one inbound message. It returns nil
// when no response must be sent (notifications, and subscribe/unsubscribe
// before initialization). Any uncaught failure during handling is caught
// here, logged, and converted to an invalid-request error carrying the
// original id.
func (e *Engine) HandleMessage(ctx context.Context, subscriberID string, raw []byte) (resp *jsonrpc.Response) {
	req, id, err := jsonrpc.ParseRequest(raw)
	if err != nil {
		e.log.WarnContext(ctx, "rpc.envelope.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidRequest, "Invalid request: "+err.Error())
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String()})

	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "rpc.dispatch.panic", slog.Any("panic", r))
			// Notifications never get a response, not even for a failure
			// during their handling.
			if req.IsNotification() {
				resp = nil
				return
			}
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, fmt.Sprintf("Internal error: %v", r))
		}
	}()

	if req.IsNotification() {
		e.handleNotification(ctx, req)
		return nil
	}

	return e.handleRequest(ctx, subscriberID, req)
}

func (e *Engine) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		e.mu.Lock()
		already := e.initialized
		e.initialized = true
		e.mu.Unlock()
		if !already {
			e.log.InfoContext(ctx, "session.initialized")
		}
	default:
		// Inbound notifications never get a response, even unknown ones.
		e.log.DebugContext(ctx, "notification.ignored")
	}
}

func (e *Engine) handleRequest(ctx context.Context, subscriberID string, req *jsonrpc.Request) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		return e.result(req, struct{}{})
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, req)
	case mcp.ToolsListMethod:
		return e.result(req, mcp.ListToolsResult{Tools: e.caps.Tools().ListTools()})
	case mcp.ToolsCallMethod:
		return e.handleToolsCall(ctx, req)
	case mcp.ResourcesListMethod:
		return e.result(req, mcp.ListResourcesResult{Resources: e.caps.Resources().ListResources()})
	case mcp.ResourcesReadMethod:
		return e.handleResourcesRead(ctx, req)
	case mcp.ResourcesSubscribeMethod:
		return e.handleSubscribe(ctx, subscriberID, req)
	case mcp.ResourcesUnsubscribeMethod:
		return e.handleUnsubscribe(ctx, subscriberID, req)
	case mcp.PromptsListMethod:
		return e.result(req, mcp.ListPromptsResult{Prompts: e.caps.Prompts().ListPrompts()})
	case mcp.PromptsGetMethod:
		return e.handlePromptsGet(ctx, req)
	default:
		e.log.InfoContext(ctx, "rpc.method.unknown")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found: "+req.Method)
	}
}

// handleInitialize is lenient: any or missing protocol version and
// capability offer is accepted and the fixed version is echoed back. It is
// idempotent and never flips the initialized flag.
func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		// A malformed offer is not a rejection; the shape is advisory only.
		_ = json.Unmarshal(req.Params, &params)
	}
	if params.ClientInfo.Name != "" {
		e.log.InfoContext(ctx, "session.initialize",
			slog.String("client", params.ClientInfo.Name),
			slog.String("client_version", params.ClientInfo.Version),
			slog.String("requested_protocol", params.ProtocolVersion))
	}

	return e.result(req, mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    e.caps.Capabilities(),
		ServerInfo:      e.caps.Info(),
		Instructions:    e.caps.Instructions(),
	})
}

func (e *Engine) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params: "+err.Error())
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Missing tool name")
	}
	tool, ok := e.caps.Tools().GetTool(params.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Unknown tool: "+params.Name)
	}

	res := e.invokeTool(ctx, tool, &params)
	return e.result(req, res)
}

// invokeTool folds every invocation failure, including panics and argument
// validation, into a successful result with isError set.
func (e *Engine) invokeTool(ctx context.Context, tool mcpservice.StaticTool, params *mcp.CallToolRequest) (res *mcp.CallToolResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "tool.call.panic", slog.String("tool", params.Name), slog.Any("panic", r))
			res = mcpservice.Errorf("tool %s panicked: %v", params.Name, r)
		}
	}()

	out, err := tool.Handler(ctx, params)
	if err != nil {
		e.log.InfoContext(ctx, "tool.call.fail", slog.String("tool", params.Name), slog.String("err", err.Error()))
		return mcpservice.Errorf("%v", err)
	}
	if out == nil {
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}
	return out
}

func (e *Engine) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params: "+err.Error())
	}
	if params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Missing resource uri")
	}
	contents, ok := e.caps.Resources().ReadResource(params.URI)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Resource not found: "+params.URI)
	}
	return e.result(req, mcp.ReadResourceResult{Contents: contents})
}

func (e *Engine) handleSubscribe(ctx context.Context, subscriberID string, req *jsonrpc.Request) *jsonrpc.Response {
	e.mu.Lock()
	initialized := e.initialized
	e.mu.Unlock()
	if !initialized {
		// Pre-handshake subscribes are dropped silently: no state change, no
		// response.
		e.log.DebugContext(ctx, "subscribe.before_initialized")
		return nil
	}

	var params mcp.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params: "+err.Error())
	}
	if params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Missing resource uri")
	}
	if !e.caps.Resources().HasResource(params.URI) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Resource not found: "+params.URI)
	}

	e.mu.Lock()
	set, ok := e.subs[params.URI]
	if !ok {
		set = make(map[string]struct{})
		e.subs[params.URI] = set
	}
	set[subscriberID] = struct{}{}
	e.mu.Unlock()

	e.log.InfoContext(ctx, "resource.subscribe", slog.String("uri", params.URI))
	return e.result(req, mcp.SubscribeResult{Subscribed: true})
}

func (e *Engine) handleUnsubscribe(ctx context.Context, subscriberID string, req *jsonrpc.Request) *jsonrpc.Response {
	e.mu.Lock()
	initialized := e.initialized
	e.mu.Unlock()
	if !initialized {
		e.log.DebugContext(ctx, "unsubscribe.before_initialized")
		return nil
	}

	var params mcp.UnsubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params: "+err.Error())
	}
	if params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Missing resource uri")
	}
	if !e.caps.Resources().HasResource(params.URI) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Resource not found: "+params.URI)
	}

	// Unsubscribing an absent pair is a no-op, not an error.
	e.mu.Lock()
	if set, ok := e.subs[params.URI]; ok {
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(e.subs, params.URI)
		}
	}
	e.mu.Unlock()

	e.log.InfoContext(ctx, "resource.unsubscribe", slog.String("uri", params.URI))
	return e.result(req, mcp.UnsubscribeResult{Unsubscribed: true})
}

func (e *Engine) handlePromptsGet(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.GetPromptRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params: "+err.Error())
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Missing prompt name")
	}
	prompt, ok := e.caps.Prompts().GetPrompt(params.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Unknown prompt: "+params.Name)
	}

	// Unlike tools, prompt failures (argument validation included) surface as
	// protocol errors.
	res, err := prompt.Render(ctx, params.Arguments)
	if err != nil {
		e.log.InfoContext(ctx, "prompt.get.fail", slog.String("prompt", params.Name), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error())
	}
	return e.result(req, res)
}

func (e *Engine) result(req *jsonrpc.Request, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(req.ID, v)
	if err != nil {
		// Result marshaling failures hit the coarse top-level policy.
		panic(fmt.Sprintf("marshal result for %s: %v", req.Method, err))
	}
	return resp
}

// Run pumps registry change signals into outbound notifications until ctx is
// canceled. Transports start it alongside their serve loop.
func (e *Engine) Run(ctx context.Context) error {
	toolsCh := e.caps.Tools().ListChanged().Subscriber()
	resourcesCh := e.caps.Resources().ListChanged().Subscriber()
	updatedCh := e.caps.Resources().Updated().Subscriber()
	promptsCh := e.caps.Prompts().ListChanged().Subscriber()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-toolsCh:
			e.pushNotification(ctx, string(mcp.ToolsListChangedNotificationMethod), nil)
		case <-resourcesCh:
			e.pushNotification(ctx, string(mcp.ResourcesListChangedNotificationMethod), nil)
		case uri := <-updatedCh:
			e.NotifyResourceUpdated(ctx, uri)
		case <-promptsCh:
			e.pushNotification(ctx, string(mcp.PromptsListChangedNotificationMethod), nil)
		}
	}
}

// NotifyResourceUpdated emits notifications/resources/updated for uri if the
// session is initialized, a transport is attached and at least one
// subscriber holds the uri. Mutations before the handshake are not replayed
// later.
func (e *Engine) NotifyResourceUpdated(ctx context.Context, uri string) {
	e.mu.Lock()
	subscribed := len(e.subs[uri]) > 0
	e.mu.Unlock()
	if !subscribed {
		return
	}
	e.pushNotification(ctx, string(mcp.ResourcesUpdatedNotificationMethod), mcp.ResourceUpdatedNotification{URI: uri})
}

func (e *Engine) pushNotification(ctx context.Context, method string, params any) {
	e.mu.Lock()
	sink := e.sink
	initialized := e.initialized
	e.mu.Unlock()

	if sink == nil || !initialized {
		return
	}

	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		e.log.ErrorContext(ctx, "notification.marshal.fail", slog.String("method", method), slog.String("err", err.Error()))
		return
	}
	b, err := json.Marshal(n)
	if err != nil {
		e.log.ErrorContext(ctx, "notification.marshal.fail", slog.String("method", method), slog.String("err", err.Error()))
		return
	}
	if err := sink.SendMessage(ctx, b); err != nil {
		// Transport failures tear down the offending connection on the
		// transport side; from here they are log-only.
		e.log.WarnContext(ctx, "notification.send.fail", slog.String("method", method), slog.String("err", err.Error()))
	}
}

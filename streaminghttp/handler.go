package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/relaywire/mcpserve"
	"github.com/relaywire/mcpserve/internal/engine"
	"github.com/relaywire/mcpserve/internal/jsonrpc"
	"github.com/relaywire/mcpserve/internal/logctx"
	"github.com/relaywire/mcpserve/mcpservice"
)

var (
	_ http.Handler       = (*Handler)(nil)
	_ mcpserve.Transport = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// sessionIDHeader correlates a POST with the SSE connection it belongs to,
// so subscriptions can be attributed (and cleaned up) per connection. The
// same value may be passed as the sessionId query parameter.
const sessionIDHeader = "Mcp-Session-Id"

// anonymousSubscriber is the shared identity for POSTs that carry no
// connection correlation.
const anonymousSubscriber = "anonymous"

// Config is the environment-derived handler configuration.
type Config struct {
	PathPrefix        string        `env:"MCP_HTTP_PATH_PREFIX,default=/mcp"`
	KeepAliveInterval time.Duration `env:"MCP_HTTP_KEEPALIVE_INTERVAL,default=15s"`
	MaxBodyBytes      int64         `env:"MCP_HTTP_MAX_BODY_BYTES,default=1048576"`
}

// NewConfigFromEnv builds a Config using envdecode; struct tag defaults
// apply for unset variables.
func NewConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/mcp"
	}
	return cfg
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithConfig applies an explicit Config.
func WithConfig(cfg Config) Option {
	return func(h *Handler) {
		if cfg.PathPrefix != "" {
			h.prefix = strings.TrimSuffix(cfg.PathPrefix, "/")
		}
		if cfg.KeepAliveInterval > 0 {
			h.keepAlive = cfg.KeepAliveInterval
		}
		if cfg.MaxBodyBytes > 0 {
			h.maxBodyBytes = cfg.MaxBodyBytes
		}
	}
}

// WithPathPrefix overrides the route prefix (default "/mcp").
func WithPathPrefix(prefix string) Option {
	return func(h *Handler) {
		if prefix != "" {
			h.prefix = strings.TrimSuffix(prefix, "/")
		}
	}
}

// WithKeepAliveInterval overrides the SSE keep-alive cadence.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// WithFallback sets the handler that serves paths outside the MCP prefix.
// Without one, such paths yield plain 404s.
func WithFallback(next http.Handler) Option {
	return func(h *Handler) {
		if next != nil {
			h.fallback = next
		}
	}
}

// Handler is the streaming HTTP transport binding.
type Handler struct {
	log          *slog.Logger
	eng          *engine.Engine
	prefix       string
	keepAlive    time.Duration
	maxBodyBytes int64
	fallback     http.Handler

	connMu sync.Mutex
	conns  map[string]*streamConn

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Handler over the given capability registries. The
// handler can be mounted immediately; run Start for push notifications.
func New(srv *mcpservice.Server, opts ...Option) *Handler {
	h := &Handler{
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		prefix:       "/mcp",
		keepAlive:    15 * time.Second,
		maxBodyBytes: 1 << 20,
		conns:        make(map[string]*streamConn),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	h.eng = engine.New(srv, engine.WithLogger(h.log))
	return h
}

// Start attaches the handler as the dispatcher's push sink and pumps
// registry change signals into notifications until ctx is canceled or Stop
// is called.
func (h *Handler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	h.eng.AttachTransport(h)
	defer h.eng.DetachTransport()

	if err := h.eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop requests shutdown: the notification pump exits and every open
// streaming connection is closed. Idempotent.
func (h *Handler) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.connMu.Lock()
	conns := make([]*streamConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.connMu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

// SendMessage writes one push frame to every open streaming connection. A
// connection whose write fails is torn down, its subscriptions removed; the
// failure never propagates to the caller.
func (h *Handler) SendMessage(ctx context.Context, msg []byte) error {
	h.connMu.Lock()
	conns := make([]*streamConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.connMu.Unlock()

	for _, c := range conns {
		if err := c.writeEvent("message", msg); err != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("conn_id", c.id), slog.String("err", err.Error()))
			h.dropConn(c)
		}
	}
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.prefix && !strings.HasPrefix(r.URL.Path, h.prefix+"/") {
		if h.fallback != nil {
			h.fallback.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	switch {
	case r.URL.Path == h.prefix+"/messages" && r.Method == http.MethodPost:
		h.handleMessages(w, r)
	case r.URL.Path == h.prefix+"/sse" && r.Method == http.MethodGet:
		h.handleSSE(w, r)
	default:
		h.log.InfoContext(ctx, "http.endpoint.miss")
		writeEndpointNotFound(w)
	}
}

// writeEndpointNotFound emits the JSON 404 used for unrecognized sub-paths
// under the MCP prefix.
func writeEndpointNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": jsonrpc.ProtocolVersion,
		"error":   map[string]any{"code": int(jsonrpc.ErrorCodeMethodNotFound), "message": "Endpoint not found"},
	})
}

// handleMessages serves a plain submission: one message in, one synchronous
// response out (or 202 for notifications).
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	resp := h.eng.HandleMessage(ctx, h.subscriberID(r), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "http.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// subscriberID attributes a POST to its streaming connection when the client
// supplies correlation, else to the shared anonymous identity.
func (h *Handler) subscriberID(r *http.Request) string {
	if id := r.Header.Get(sessionIDHeader); id != "" {
		return id
	}
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	return anonymousSubscriber
}

// handleSSE takes over the connection: the request goroutine owns it until
// the peer goes away or the server stops.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusNotAcceptable)
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	conn := &streamConn{
		id:     uuid.NewString(),
		w:      w,
		f:      f,
		closed: make(chan struct{}),
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: conn.id, Transport: "sse"})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(sessionIDHeader, conn.id)
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.connMu.Lock()
	h.conns[conn.id] = conn
	h.connMu.Unlock()
	defer h.dropConn(conn)

	h.log.InfoContext(ctx, "sse.stream.start")

	// Bootstrap frame: tell the client where to POST and how to correlate.
	endpoint := fmt.Sprintf("%s/messages?sessionId=%s", h.prefix, conn.id)
	if err := conn.writeEvent("endpoint", []byte(endpoint)); err != nil {
		h.log.WarnContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-h.stopCh:
			h.log.InfoContext(ctx, "sse.stream.stop")
			return
		case <-conn.closed:
			h.log.InfoContext(ctx, "sse.stream.closed", slog.Duration("dur", time.Since(start)))
			return
		case <-ticker.C:
			// Comment frames keep intermediaries from timing the stream out;
			// they never parse as messages.
			if err := conn.writeComment("keepalive"); err != nil {
				h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// dropConn deregisters a connection and removes any subscriptions that
// existed only for it.
func (h *Handler) dropConn(c *streamConn) {
	h.connMu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.connMu.Unlock()

	if present {
		c.close()
		h.eng.RemoveSubscriber(c.id)
	}
}

// streamConn is one live SSE connection: the socket plus its outbound
// serialization point.
type streamConn struct {
	id string

	mu sync.Mutex
	w  io.Writer
	f  http.Flusher

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *streamConn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// writeEvent writes one self-delimited SSE frame and flushes immediately;
// correctness over throughput.
func (c *streamConn) writeEvent(event string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.f.Flush()
	return nil
}

func (c *streamConn) writeComment(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	if _, err := fmt.Fprintf(c.w, ": %s\n\n", text); err != nil {
		return err
	}
	c.f.Flush()
	return nil
}

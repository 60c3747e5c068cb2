package auth

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joeshaw/envdecode"

	"github.com/relaywire/mcpserve/internal/jsonrpc"
	"github.com/relaywire/mcpserve/internal/logctx"
)

// maxPeekBytes bounds how much of a rejected request's body is read while
// extracting a best-effort request id for the error envelope.
const maxPeekBytes = 1 << 20

// Config describes the gate. Token empty means enforcement is disabled.
type Config struct {
	Token              string   `env:"MCP_AUTH_TOKEN"`
	HeaderName         string   `env:"MCP_AUTH_HEADER,default=Authorization"`
	ExemptPathPrefixes []string `env:"MCP_AUTH_EXEMPT_PREFIXES"`
}

// NewConfigFromEnv builds a Config using envdecode; struct tag defaults
// apply for unset variables.
func NewConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Authorization"
	}
	return cfg
}

// Option configures the Gate.
type Option func(*Gate)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// Gate is an http.Handler decorator enforcing a static bearer token.
type Gate struct {
	log    *slog.Logger
	cfg    Config
	next   http.Handler
	header string
}

var _ http.Handler = (*Gate)(nil)

// New wraps next with the token check described by cfg.
func New(cfg Config, next http.Handler, opts ...Option) *Gate {
	g := &Gate{
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:    cfg,
		next:   next,
		header: cfg.HeaderName,
	}
	if g.header == "" {
		g.header = "Authorization"
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = slog.New(logctx.Handler{Handler: g.log.Handler()})
	return g
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Token == "" {
		g.next.ServeHTTP(w, r)
		return
	}
	for _, prefix := range g.cfg.ExemptPathPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			g.next.ServeHTTP(w, r)
			return
		}
	}

	presented := r.Header.Get(g.header)
	if candidate, ok := stripBearer(presented); ok {
		presented = candidate
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(g.cfg.Token)) == 1 {
		g.next.ServeHTTP(w, r)
		return
	}

	g.log.WarnContext(r.Context(), "auth.fail",
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)
	g.reject(w, r)
}

// stripBearer removes a leading "Bearer " scheme, any case, reporting
// whether one was present.
func stripBearer(v string) (string, bool) {
	const scheme = "bearer "
	if len(v) > len(scheme) && strings.EqualFold(v[:len(scheme)], scheme) {
		return v[len(scheme):], true
	}
	return v, false
}

// reject answers 401 with a JSON-RPC error envelope. The request id is
// recovered from the body when it parses; malformed bodies yield a null id
// and never an error.
func (g *Gate) reject(w http.ResponseWriter, r *http.Request) {
	var id *jsonrpc.RequestID
	if r.Body != nil {
		if body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes)); err == nil {
			id = jsonrpc.ExtractID(body)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeUnauthorized, "Unauthorized"))
}

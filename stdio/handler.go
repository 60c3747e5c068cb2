package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/relaywire/mcpserve"
	"github.com/relaywire/mcpserve/internal/engine"
	"github.com/relaywire/mcpserve/internal/framing"
	"github.com/relaywire/mcpserve/internal/jsonrpc"
	"github.com/relaywire/mcpserve/internal/logctx"
	"github.com/relaywire/mcpserve/mcpservice"
)

// subscriberID is the single subscription identity of the stdio binding;
// there is only ever one peer.
const subscriberID = "stdio"

var _ mcpserve.Transport = (*Handler)(nil)

// Handler is the single-connection stdio transport. It reads newline-framed
// JSON-RPC messages from a reader (default os.Stdin), dispatches them
// through the shared engine and writes responses and push notifications as
// single lines to a writer (default os.Stdout).
type Handler struct {
	r              io.Reader
	w              io.Writer
	log            *slog.Logger
	maxMessageSize int

	eng *engine.Engine

	writeMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHandler constructs a stdio Handler over the given capability registries.
func NewHandler(srv *mcpservice.Server, opts ...Option) *Handler {
	h := &Handler{
		r:              os.Stdin,
		w:              os.Stdout,
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxMessageSize: framing.DefaultMaxMessageSize,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	h.eng = engine.New(srv, engine.WithLogger(h.log))
	return h
}

// Serve runs the sequential read-dispatch-write loop until EOF on the
// reader, Stop, or context cancellation. Stop is checked between messages
// only; a read already in flight is not interrupted.
func (h *Handler) Serve(ctx context.Context) error {
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: subscriberID, Transport: "stdio"})

	h.eng.AttachTransport(h)
	defer h.eng.DetachTransport()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := h.eng.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.ErrorContext(ctx, "engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	sc := framing.NewScanner(h.r, framing.WithMaxMessageSize(h.maxMessageSize))
	h.log.InfoContext(ctx, "stdio.serve.start")

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "stdio.serve.cancel")
			return ctx.Err()
		case <-h.stopCh:
			h.log.InfoContext(ctx, "stdio.serve.stop")
			return nil
		default:
		}

		line, err := sc.Next()
		if errors.Is(err, framing.ErrMessageTooLarge) {
			// Framing-layer recovery: report on the same channel, keep going.
			h.log.WarnContext(ctx, "framing.oversize")
			h.writeResponse(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeMessageTooLarge, "Message too large"))
			continue
		}
		if errors.Is(err, io.EOF) {
			h.log.InfoContext(ctx, "stdio.serve.eof")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read protocol stream: %w", err)
		}
		if len(line) == 0 {
			continue
		}

		if !json.Valid(line) {
			h.log.WarnContext(ctx, "framing.parse.fail")
			h.writeResponse(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error"))
			continue
		}

		if resp := h.eng.HandleMessage(ctx, subscriberID, line); resp != nil {
			h.writeResponse(ctx, resp)
		}
	}
}

// Start implements the Transport contract; it is Serve under another name.
func (h *Handler) Start(ctx context.Context) error { return h.Serve(ctx) }

// Stop requests a cooperative shutdown. Idempotent.
func (h *Handler) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

// SendMessage writes one message as one line on the output stream. It is the
// engine's push sink while the handler is serving.
func (h *Handler) SendMessage(ctx context.Context, msg []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write protocol stream: %w", err)
	}
	return nil
}

func (h *Handler) writeResponse(ctx context.Context, resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.SendMessage(ctx, b); err != nil {
		h.log.ErrorContext(ctx, "response.write.fail", slog.String("err", err.Error()))
	}
}

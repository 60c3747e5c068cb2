package streaminghttp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaywire/mcpserve/mcp"
	"github.com/relaywire/mcpserve/mcpservice"
)

func newTestServer(t *testing.T) (*mcpservice.Server, *mcpservice.ResourcesContainer) {
	t.Helper()

	type echoArgs struct {
		Text string `json:"text"`
	}

	resources := mcpservice.NewResourcesContainer()
	resources.Put(mcp.Resource{URI: "res://greeting", Name: "greeting"},
		mcpservice.TextContents("res://greeting", "text/plain", "hello"))

	echo := mcpservice.NewTool[echoArgs]("echo", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
		return mcpservice.TextResult(args.Text), nil
	})

	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo("test-server", "0.0.1"),
		mcpservice.WithTools(echo),
		mcpservice.WithResourcesContainer(resources),
	)
	return srv, resources
}

func postJSON(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestPostPingSynchronousReply(t *testing.T) {
	srv, _ := newTestServer(t)
	h := New(srv)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/mcp/messages", `{"jsonrpc":"2.0","method":"ping","id":1}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
	var out struct {
		JSONRPC string         `json:"jsonrpc"`
		Result  map[string]any `json:"result"`
		ID      int            `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JSONRPC != "2.0" || out.ID != 1 || len(out.Result) != 0 {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestPostNotificationAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(New(srv))
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/mcp/messages", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestPostUnsupportedContentType(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(New(srv))
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp/messages", strings.NewReader("method=ping"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestUnknownSubpathIsJSONNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(New(srv))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/mcp/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var out struct {
		JSONRPC string `json:"jsonrpc"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JSONRPC != "2.0" || out.Error.Code != -32601 || out.Error.Message != "Endpoint not found" {
		t.Fatalf("unexpected body: %+v", out)
	}
}

func TestFallthroughOutsidePrefix(t *testing.T) {
	srv, _ := newTestServer(t)
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	ts := httptest.NewServer(New(srv, WithFallback(fallback)))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want fallback 418", resp.StatusCode)
	}

	// Paths sharing the literal prefix but not the path boundary must also
	// fall through.
	resp2, err := http.Get(ts.URL + "/mcpextra")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want fallback 418", resp2.StatusCode)
	}
}

// sseStream wraps a live event stream for incremental assertions.
type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func openSSE(t *testing.T, url string) *sseStream {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open sse: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("sse status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		t.Fatalf("sse content type = %q", ct)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body)}
}

// nextFrame reads one SSE frame (through its blank-line terminator) and
// returns the event name, data payload, and any comment lines seen.
func (s *sseStream) nextFrame(t *testing.T) (event, data string, comments []string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	type lineResult struct {
		line string
		err  error
	}
	for {
		ch := make(chan lineResult, 1)
		go func() {
			l, err := s.r.ReadString('\n')
			ch <- lineResult{l, err}
		}()
		var line string
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("read sse line: %v", res.err)
			}
			line = strings.TrimRight(res.line, "\n")
		case <-deadline:
			t.Fatalf("timed out waiting for sse frame")
		}
		switch {
		case line == "":
			if event != "" || data != "" || len(comments) > 0 {
				return event, data, comments
			}
		case strings.HasPrefix(line, ":"):
			comments = append(comments, strings.TrimSpace(strings.TrimPrefix(line, ":")))
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSEDeliversUpdatedNotification(t *testing.T) {
	srv, resources := newTestServer(t)
	h := New(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Start(ctx) }()

	ts := httptest.NewServer(h)
	defer ts.Close()

	stream := openSSE(t, ts.URL+"/mcp/sse")

	event, endpoint, _ := stream.nextFrame(t)
	if event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", event)
	}
	if !strings.HasPrefix(endpoint, "/mcp/messages?sessionId=") {
		t.Fatalf("endpoint payload = %q", endpoint)
	}
	sessionID := strings.TrimPrefix(endpoint, "/mcp/messages?sessionId=")
	postURL := ts.URL + endpoint

	resp := postJSON(t, postURL, `{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"2025-06-18"},"id":1}`, nil)
	resp.Body.Close()
	resp = postJSON(t, postURL, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	resp.Body.Close()

	// Correlation via header must reach the same subscriber identity.
	hdr := http.Header{}
	hdr.Set("Mcp-Session-Id", sessionID)
	resp = postJSON(t, ts.URL+"/mcp/messages", `{"jsonrpc":"2.0","method":"resources/subscribe","params":{"uri":"res://greeting"},"id":2}`, hdr)
	var subOut struct {
		Result map[string]any `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&subOut); err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	resp.Body.Close()
	if subscribed, _ := subOut.Result["subscribed"].(bool); !subscribed {
		t.Fatalf("subscribe result = %+v", subOut.Result)
	}

	resources.UpdateContents("res://greeting", mcpservice.TextContents("res://greeting", "text/plain", "hello again"))

	for {
		event, data, _ := stream.nextFrame(t)
		if event != "message" {
			continue
		}
		var note struct {
			Method string `json:"method"`
			Params struct {
				URI string `json:"uri"`
			} `json:"params"`
		}
		if err := json.Unmarshal([]byte(data), &note); err != nil {
			t.Fatalf("unmarshal push %q: %v", data, err)
		}
		if note.Method == "notifications/resources/updated" {
			if note.Params.URI != "res://greeting" {
				t.Fatalf("updated uri = %q", note.Params.URI)
			}
			return
		}
	}
}

func TestSSEKeepAliveIsComment(t *testing.T) {
	srv, _ := newTestServer(t)
	h := New(srv, WithKeepAliveInterval(25*time.Millisecond))

	ts := httptest.NewServer(h)
	defer ts.Close()

	stream := openSSE(t, ts.URL+"/mcp/sse")

	// Frame one is the endpoint bootstrap.
	if event, _, _ := stream.nextFrame(t); event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", event)
	}
	_, _, comments := stream.nextFrame(t)
	if len(comments) == 0 {
		t.Fatalf("expected a keep-alive comment frame")
	}
	if comments[0] != "keepalive" {
		t.Fatalf("comment = %q, want keepalive", comments[0])
	}
}

func TestSSERejectsWrongAccept(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(New(srv))
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp/sse", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", resp.StatusCode)
	}
}

func openConns(h *Handler) int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return len(h.conns)
}

func TestClientDisconnectCleansUpConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	h := New(srv)
	ts := httptest.NewServer(h)
	defer ts.Close()

	stream := openSSE(t, ts.URL+"/mcp/sse")
	event, endpoint, _ := stream.nextFrame(t)
	if event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", event)
	}
	postURL := ts.URL + endpoint

	resp := postJSON(t, postURL, `{"jsonrpc":"2.0","method":"initialize","params":{},"id":1}`, nil)
	resp.Body.Close()
	resp = postJSON(t, postURL, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	resp.Body.Close()
	resp = postJSON(t, postURL, `{"jsonrpc":"2.0","method":"resources/subscribe","params":{"uri":"res://greeting"},"id":2}`, nil)
	var subOut struct {
		Result map[string]any `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&subOut); err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	resp.Body.Close()
	if subscribed, _ := subOut.Result["subscribed"].(bool); !subscribed {
		t.Fatalf("subscribe result = %+v", subOut.Result)
	}
	if got := openConns(h); got != 1 {
		t.Fatalf("open connections = %d, want 1", got)
	}

	// The peer goes away; the connection goroutine must notice and
	// deregister without any push being in flight.
	stream.body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for openConns(h) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection not deregistered after client disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Pushing after the peer is gone is an implicit unsubscribe, never an
	// error to the caller.
	push := []byte(`{"jsonrpc":"2.0","method":"notifications/resources/updated","params":{"uri":"res://greeting"}}`)
	if err := h.SendMessage(context.Background(), push); err != nil {
		t.Fatalf("SendMessage after disconnect: %v", err)
	}
	if err := h.SendMessage(context.Background(), push); err != nil {
		t.Fatalf("second SendMessage after disconnect: %v", err)
	}
	if got := openConns(h); got != 0 {
		t.Fatalf("open connections = %d after pushes, want 0", got)
	}

	// The server keeps serving plain submissions.
	resp = postJSON(t, ts.URL+"/mcp/messages", `{"jsonrpc":"2.0","method":"ping","id":3}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping after disconnect: status = %d, want 200", resp.StatusCode)
	}
}

func TestStopClosesStreams(t *testing.T) {
	srv, _ := newTestServer(t)
	h := New(srv)
	ts := httptest.NewServer(h)
	defer ts.Close()

	stream := openSSE(t, ts.URL+"/mcp/sse")
	if event, _, _ := stream.nextFrame(t); event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", event)
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	deadline := time.After(5 * time.Second)
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, stream.body)
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatalf("stream did not close after Stop")
	}
}

package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaywire/mcpserve/mcp"
	"github.com/relaywire/mcpserve/mcpservice"
)

// testHarness encapsulates pipes and collected output for stdio handler
// tests.
type testHarness struct {
	t       *testing.T
	cancel  context.CancelFunc
	stdinW  io.Writer
	handler *Handler
	outMu   sync.Mutex
	lines   []string
}

func newHarness(t *testing.T, srv *mcpservice.Server, opts ...Option) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(srv, append([]Option{WithIO(inR, outW)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, cancel: cancel, stdinW: inW, handler: h}

	go func() { _ = h.Serve(ctx) }()

	scanner := bufio.NewScanner(outR)
	go func() {
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		time.Sleep(10 * time.Millisecond)
	})
	return th
}

func (th *testHarness) send(raw string) {
	th.t.Helper()
	if _, err := io.WriteString(th.stdinW, raw+"\n"); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timed out waiting for output line")
}

func testServer() *mcpservice.Server {
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo("stdio-test", "0.0.1"),
		mcpservice.WithTools(
			mcpservice.NewTool("echo", func(ctx context.Context, args struct {
				Text string `json:"text"`
			}) (*mcp.CallToolResult, error) {
				return mcpservice.TextResult(args.Text), nil
			}),
		),
	)
	srv.Resources().Put(
		mcp.Resource{URI: "res://doc", Name: "doc"},
		mcpservice.TextContents("res://doc", "text/plain", "contents"),
	)
	return srv
}

func TestServe_PingEndToEnd(t *testing.T) {
	th := newHarness(t, testServer())

	th.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	line, err := th.nextLine(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"jsonrpc":"2.0","result":{},"id":1}`
	if line != want {
		t.Fatalf("ping response:\n got %s\nwant %s", line, want)
	}
}

func TestServe_ParseErrorRecovers(t *testing.T) {
	th := newHarness(t, testServer())

	th.send(`this is not json`)
	line, err := th.nextLine(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, `"code":-32700`) {
		t.Fatalf("want -32700, got %s", line)
	}

	// Loop must continue serving.
	th.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	line, err = th.nextLine(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, `"id":2`) || !strings.Contains(line, `"result":{}`) {
		t.Fatalf("ping after parse error: %s", line)
	}
}

func TestServe_OversizedMessageRecovers(t *testing.T) {
	th := newHarness(t, testServer(), WithMaxMessageSize(128))

	th.send(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", 256) + `"}}`)
	line, err := th.nextLine(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, `"code":-32001`) || !strings.Contains(line, "Message too large") {
		t.Fatalf("want -32001, got %s", line)
	}
	if !strings.Contains(line, `"id":null`) {
		t.Fatalf("oversize error must carry null id: %s", line)
	}

	th.send(`{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	line, err = th.nextLine(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, `"id":3`) {
		t.Fatalf("ping after oversize: %s", line)
	}
}

func TestServe_NotificationProducesNoOutput(t *testing.T) {
	th := newHarness(t, testServer())

	th.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	th.send(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)

	line, err := th.nextLine(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	// The first output line must be the ping response; the notification got
	// none.
	if !strings.Contains(line, `"id":9`) {
		t.Fatalf("unexpected output before ping response: %s", line)
	}
}

func TestServe_ResourceUpdateFlowsAfterInitialize(t *testing.T) {
	srv := testServer()
	th := newHarness(t, srv)

	th.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	th.send(`{"jsonrpc":"2.0","id":1,"method":"resources/subscribe","params":{"uri":"res://doc"}}`)
	line, err := th.nextLine(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, `"subscribed":true`) {
		t.Fatalf("subscribe response: %s", line)
	}

	srv.Resources().UpdateContents("res://doc", mcpservice.TextContents("res://doc", "text/plain", "v2"))

	line, err = th.nextLine(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var note struct {
		Method string `json:"method"`
		Params struct {
			URI string `json:"uri"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &note); err != nil {
		t.Fatalf("unmarshal notification: %v (%s)", err, line)
	}
	if note.Method != "notifications/resources/updated" || note.Params.URI != "res://doc" {
		t.Fatalf("notification: %s", line)
	}
}

func TestStop_IsCooperativeAndIdempotent(t *testing.T) {
	th := newHarness(t, testServer())

	if err := th.handler.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := th.handler.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	// A message sent after stop may or may not be read (stop is checked
	// between messages), but the handler must not respond after the loop
	// exits. Just ensure nothing panics and the pipe stays writable.
	th.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
}

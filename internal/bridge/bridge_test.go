package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/central"
	centralapi "github.com/coderelay/coderelay/internal/central/api"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := central.NewServer(central.Config{Logger: zap.NewNop()})
	router := centralapi.NewRouter(centralapi.RouterConfig{Server: srv, Logger: zap.NewNop()})
	return httptest.NewServer(router)
}

func newTestBridge(t *testing.T, serverURL string, stdin string) (*Bridge, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	b := New(Config{
		ServerURL:  serverURL,
		ClientName: "test-client",
		Logger:     zap.NewNop(),
		Stdin:      strings.NewReader(stdin),
		Stdout:     &out,
	})
	return b, &out
}

func readLines(t *testing.T, buf *bytes.Buffer) []Response {
	t.Helper()
	var out []Response
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var r Response
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("decoding response line %q: %v", line, err)
		}
		out = append(out, r)
	}
	return out
}

func TestConnectCreatesNewSessionWhenNoneSupplied(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	b, _ := newTestBridge(t, ts.URL, "")
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if b.sessionID == "" {
		t.Error("expected a session id after Connect")
	}
}

func TestConnectFallsBackToNewSessionOn404(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	b, _ := newTestBridge(t, ts.URL, "")
	b.sessionID = "stale-session-id"

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if b.sessionID == "stale-session-id" {
		t.Error("expected Connect to replace a stale session id")
	}
}

func TestNotificationProducesNoResponse(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	stdin := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	b, out := newTestBridge(t, ts.URL, stdin)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected zero bytes on stdout for a notification, got %q", out.String())
	}
}

func TestInitializeReturnsCapabilityEnvelope(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	stdin := `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"
	b, out := newTestBridge(t, ts.URL, stdin)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := readLines(t, out)
	if len(lines) != 1 {
		t.Fatalf("got %d responses, want 1", len(lines))
	}
	result, ok := lines[0].Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %#v, want a map", lines[0].Result)
	}
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v, want %v", result["protocolVersion"], protocolVersion)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	stdin := `{"jsonrpc":"2.0","id":1,"method":"bogus/method"}` + "\n"
	b, out := newTestBridge(t, ts.URL, stdin)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := readLines(t, out)
	if len(lines) != 1 || lines[0].Error == nil || lines[0].Error.Code != errMethodNotFound {
		t.Fatalf("lines = %+v, want a single -32601 error", lines)
	}
}

func TestToolsCallTransportErrorEncodedInline(t *testing.T) {
	b, out := newTestBridge(t, "http://127.0.0.1:1", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`+"\n")
	b.sessionID = "whatever"

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := readLines(t, out)
	if len(lines) != 1 {
		t.Fatalf("got %d responses, want 1", len(lines))
	}
	if lines[0].Error != nil {
		t.Fatalf("expected no JSON-RPC error object for a tool-call transport failure, got %+v", lines[0].Error)
	}
	result, ok := lines[0].Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %#v, want a map", lines[0].Result)
	}
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Error("expected isError=true for a transport failure")
	}
}

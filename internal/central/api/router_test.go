package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/central"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	srv := central.NewServer(central.Config{Logger: zap.NewNop()})
	return NewRouter(RouterConfig{Server: srv, Logger: zap.NewNop()})
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestCreateAndFetchSession(t *testing.T) {
	router := newTestRouter(t)

	createRec := doJSON(t, router, http.MethodPost, "/api/sessions", map[string]string{"client_name": "alice"})
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200", createRec.Code)
	}
	var created map[string]string
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	sid := created["session_id"]
	if sid == "" {
		t.Fatal("expected a session_id in the create response")
	}

	getRec := doJSON(t, router, http.MethodGet, "/api/sessions/"+sid, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getRec.Code)
	}
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/sessions/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestToolCallAlwaysReturns200(t *testing.T) {
	router := newTestRouter(t)

	createRec := doJSON(t, router, http.MethodPost, "/api/sessions", nil)
	var created map[string]string
	_ = json.Unmarshal(createRec.Body.Bytes(), &created)
	sid := created["session_id"]

	rec := doJSON(t, router, http.MethodPost, "/api/sessions/"+sid+"/tools/missing-tool", map[string]any{"arguments": map[string]any{}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (tool errors must not fail the HTTP call)", rec.Code)
	}
}

func TestFleetDashboardProxyEndpoints(t *testing.T) {
	router := newTestRouter(t)

	createRec := doJSON(t, router, http.MethodPost, "/api/sessions", nil)
	var created map[string]string
	_ = json.Unmarshal(createRec.Body.Bytes(), &created)
	sid := created["session_id"]

	doJSON(t, router, http.MethodPost, "/api/sessions/"+sid+"/tools/missing-tool", map[string]any{"arguments": map[string]any{}})

	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/tool-names"},
		{http.MethodGet, "/api/tool-stats"},
		{http.MethodGet, "/api/config-overview"},
		{http.MethodGet, "/api/queued-executions"},
		{http.MethodGet, "/api/last-execution"},
		{http.MethodGet, "/api/logs"},
		{http.MethodPost, "/api/clear-tool-stats"},
	}
	for _, c := range cases {
		rec := doJSON(t, router, c.method, c.path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s %s status = %d, want 200", c.method, c.path, rec.Code)
		}
	}
}

func TestShutdownTriggersCallback(t *testing.T) {
	srv := central.NewServer(central.Config{Logger: zap.NewNop()})
	called := make(chan struct{}, 1)
	router := NewRouter(RouterConfig{
		Server: srv,
		Logger: zap.NewNop(),
		Shutdown: func() {
			called <- struct{}{}
		},
	})

	rec := doJSON(t, router, http.MethodPut, "/api/shutdown", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("expected shutdown callback to be invoked")
	}
}

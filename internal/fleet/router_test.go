package fleet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/registry"
)

func newTestRouter(t *testing.T) (http.Handler, *registry.Registry, *Dashboard) {
	t.Helper()
	reg := registry.New(t.TempDir())
	d := New(Config{Logger: zap.NewNop(), Registry: reg, Killer: newFakeKiller()})
	router := NewRouter(RouterConfig{Dashboard: d, Logger: zap.NewNop()})
	return router, reg, d
}

func doJSON(t *testing.T, router http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestInstancesEndpointListsRegistered(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	if _, err := reg.Register(t.Context(), 1001, 9100, "desktop-app", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec := doJSON(t, router, http.MethodGet, "/global-dashboard/api/instances")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	instances, ok := body["instances"].([]any)
	if !ok || len(instances) != 1 {
		t.Fatalf("instances = %#v, want 1 entry", body["instances"])
	}
}

func TestProxyToUnknownInstanceReturns404(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/global-dashboard/api/instance/9999/tool-names")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestForceKillNonZombieReturnsConflict(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	if _, err := reg.Register(t.Context(), 2002, 9200, "desktop-app", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/global-dashboard/api/instance/2002/force-kill", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestForceKillZombieReturnsOutcome(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	if _, err := reg.Register(t.Context(), 3003, 9300, "desktop-app", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.MarkZombie(t.Context(), 3003); err != nil {
		t.Fatalf("MarkZombie: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/global-dashboard/api/instance/3003/force-kill", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if killed, _ := body["killed"].(bool); !killed {
		t.Error("expected killed=true")
	}
}

func TestLifecycleEventsEndpoint(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	if _, err := reg.Register(t.Context(), 4004, 9400, "desktop-app", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec := doJSON(t, router, http.MethodGet, "/global-dashboard/api/lifecycle-events?limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	events, ok := body["events"].([]any)
	if !ok || len(events) == 0 {
		t.Fatalf("events = %#v, want at least 1 entry", body["events"])
	}
}

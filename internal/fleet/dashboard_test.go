package fleet

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/registry"
	"github.com/coderelay/coderelay/internal/types"
)

func newTestDashboard(t *testing.T, killer ProcessKiller) (*Dashboard, *registry.Registry) {
	t.Helper()
	reg := registry.New(t.TempDir())
	d := New(Config{Logger: zap.NewNop(), Registry: reg, Killer: killer})
	return d, reg
}

// fakeKiller simulates process signals without touching real OS processes.
type fakeKiller struct {
	mu          sync.Mutex
	terminated  map[int]bool
	aliveAfter  map[int]bool // whether the process is reported alive after Terminate
	killed      map[int]bool
	terminateErr error
}

func newFakeKiller() *fakeKiller {
	return &fakeKiller{
		terminated: make(map[int]bool),
		aliveAfter: make(map[int]bool),
		killed:     make(map[int]bool),
	}
}

func (f *fakeKiller) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.terminated[pid] = true
	return nil
}

func (f *fakeKiller) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveAfter[pid]
}

func (f *fakeKiller) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[pid] = true
	return nil
}

func TestForceKillRefusesNonZombie(t *testing.T) {
	d, reg := newTestDashboard(t, newFakeKiller())
	ctx := context.Background()

	if _, err := reg.Register(ctx, 101, 9001, "desktop-app", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := d.ForceKill(ctx, 101); err != ErrNotZombie {
		t.Fatalf("ForceKill on live instance: err = %v, want ErrNotZombie", err)
	}
}

func TestForceKillEscalatesToSigkillWhenStillAlive(t *testing.T) {
	killer := newFakeKiller()
	d, reg := newTestDashboard(t, killer)
	ctx := context.Background()

	if _, err := reg.Register(ctx, 202, 9002, "desktop-app", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.MarkZombie(ctx, 202); err != nil {
		t.Fatalf("MarkZombie: %v", err)
	}
	killer.aliveAfter[202] = true

	success, err := d.ForceKill(ctx, 202)
	if err != nil {
		t.Fatalf("ForceKill: %v", err)
	}
	if !success {
		t.Error("expected force-kill to report success after SIGKILL escalation")
	}
	if !killer.terminated[202] {
		t.Error("expected SIGTERM to have been sent")
	}
	if !killer.killed[202] {
		t.Error("expected SIGKILL escalation since Alive reported true")
	}

	inst, found, err := reg.Get(ctx, 202)
	_ = inst
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected the instance to be removed after a successful force-kill")
	}
}

func TestForceKillNoEscalationWhenProcessExitsOnSigterm(t *testing.T) {
	killer := newFakeKiller()
	d, reg := newTestDashboard(t, killer)
	ctx := context.Background()

	if _, err := reg.Register(ctx, 303, 9003, "desktop-app", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.MarkZombie(ctx, 303); err != nil {
		t.Fatalf("MarkZombie: %v", err)
	}
	killer.aliveAfter[303] = false

	success, err := d.ForceKill(ctx, 303)
	if err != nil {
		t.Fatalf("ForceKill: %v", err)
	}
	if !success {
		t.Error("expected success when the process exits on SIGTERM alone")
	}
	if killer.killed[303] {
		t.Error("did not expect SIGKILL when Alive reported false")
	}
}

func TestHealthCheckerMarksUnresponsiveInstanceZombie(t *testing.T) {
	d, reg := newTestDashboard(t, newFakeKiller())
	ctx := context.Background()

	// No server listening on this port: connection refused.
	if _, err := reg.Register(ctx, 404, 1, "desktop-app", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	d.checkHealthOnce()

	inst, found, err := reg.Get(ctx, 404)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if inst.State != types.InstanceZombie {
		t.Errorf("state = %v, want zombie", inst.State)
	}
}

func TestHealthCheckerRefreshesHeartbeatOnSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d, reg := newTestDashboard(t, newFakeKiller())
	ctx := context.Background()

	port := tsPort(t, ts)
	if _, err := reg.Register(ctx, 505, port, "desktop-app", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	before, _, err := reg.Get(ctx, 505)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	d.checkHealthOnce()

	after, found, err := reg.Get(ctx, 505)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if after.State == types.InstanceZombie {
		t.Error("expected instance to remain live after a healthy probe")
	}
	if !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Error("expected LastHeartbeat to advance after a successful probe")
	}
}

func TestSelectPortPrefersFreePreferredPort(t *testing.T) {
	d, _ := newTestDashboard(t, newFakeKiller())
	preferred := freePort(t)

	port, reused, err := d.SelectPort(context.Background(), preferred)
	if err != nil {
		t.Fatalf("SelectPort: %v", err)
	}
	if reused {
		t.Error("expected no reuse when no global dashboard is registered")
	}
	if port != preferred {
		t.Errorf("port = %d, want preferred port %d to be selected when free", port, preferred)
	}
}

func tsPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing test server port: %v", err)
	}
	return port
}

// freePort returns a port that is free at the moment of the call. There is
// an inherent race between closing the probe listener and the caller
// binding it, acceptable for this test's purposes.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

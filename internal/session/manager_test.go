package session

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(zap.NewNop())
}

func TestCreateSessionAtomicUniqueIDs(t *testing.T) {
	m := newTestManager(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := m.CreateSession("c")
		if seen[s.ID()] {
			t.Fatalf("duplicate session id %s", s.ID())
		}
		seen[s.ID()] = true
	}
}

func TestGetActiveSessionsExcludesDisconnected(t *testing.T) {
	m := newTestManager(t)
	a := m.CreateSession("a")
	b := m.CreateSession("b")
	m.DisconnectSession(b.ID())

	active := m.GetActiveSessions()
	if len(active) != 1 || active[0].ID() != a.ID() {
		t.Errorf("GetActiveSessions = %v, want only %s", active, a.ID())
	}
}

func TestDisconnectRetainsSessionUntilReaped(t *testing.T) {
	m := newTestManager(t)
	s := m.CreateSession("c")
	m.DisconnectSession(s.ID())

	// Still retrievable immediately after disconnect.
	if _, ok := m.Get(s.ID()); !ok {
		t.Fatal("disconnected session should still be retrievable before retention expires")
	}

	// Backdate last activity past the retention window and reap.
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-(retentionPeriod + time.Second))
	s.mu.Unlock()

	m.reapOnce()

	if _, ok := m.Get(s.ID()); ok {
		t.Error("session should have been reaped after retention window")
	}
}

func TestReaperNeverRemovesNonDisconnected(t *testing.T) {
	m := newTestManager(t)
	s := m.CreateSession("c")
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-(retentionPeriod + time.Hour))
	s.mu.Unlock()

	m.reapOnce()

	if _, ok := m.Get(s.ID()); !ok {
		t.Error("reaper must never remove a non-disconnected session regardless of age")
	}
}

func TestRemoveSessionImmediate(t *testing.T) {
	m := newTestManager(t)
	s := m.CreateSession("c")
	if !m.RemoveSession(s.ID()) {
		t.Fatal("RemoveSession should report success for a known id")
	}
	if _, ok := m.Get(s.ID()); ok {
		t.Error("session should be gone immediately after RemoveSession")
	}
	if m.RemoveSession(s.ID()) {
		t.Error("RemoveSession on unknown id should report false")
	}
}

func TestShutdownDisconnectsAllSessions(t *testing.T) {
	m := newTestManager(t)
	s := m.CreateSession("c")
	if err := m.StartCleanup(); err != nil {
		t.Fatalf("StartCleanup: %v", err)
	}

	m.Shutdown()

	if !s.IsDisconnected() {
		t.Error("Shutdown should disconnect every retained session")
	}
}

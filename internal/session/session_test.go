package session

import (
	"sync"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/types"
)

func TestNewSessionStartsConnected(t *testing.T) {
	s := New("alice")
	info := s.GetInfo()
	if info.State != types.SessionConnected {
		t.Errorf("initial state = %q, want %q", info.State, types.SessionConnected)
	}
	if info.ClientName != "alice" {
		t.Errorf("client name = %q, want alice", info.ClientName)
	}
}

func TestActivateWorkspaceTransitionsToActive(t *testing.T) {
	s := New("")
	s.ActivateWorkspace(Workspace{Name: "proj", Root: "/tmp/proj"})

	info := s.GetInfo()
	if info.State != types.SessionActive {
		t.Errorf("state = %q, want active", info.State)
	}
	if info.ActiveProject != "proj" || info.ProjectRoot != "/tmp/proj" {
		t.Errorf("workspace info = %+v, want proj/tmp/proj", info)
	}
}

func TestIdleIsDerivedNotPersisted(t *testing.T) {
	s := New("")
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-301 * time.Second)
	rawState := s.state
	s.mu.Unlock()

	info := s.GetInfo()
	if info.State != types.SessionIdle {
		t.Errorf("state = %q, want idle", info.State)
	}
	if rawState != types.SessionConnected {
		t.Errorf("raw state must remain unchanged by a read, got %q", rawState)
	}
}

func TestDisconnectedNeverShowsIdle(t *testing.T) {
	s := New("")
	s.Disconnect()
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-1000 * time.Second)
	s.mu.Unlock()

	if s.GetInfo().State != types.SessionDisconnected {
		t.Errorf("disconnected session must never report idle")
	}
}

func TestIncrementToolCallsConcurrent(t *testing.T) {
	s := New("")
	const threads = 20
	const perThread = 50

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perThread; j++ {
				s.IncrementToolCalls("search")
			}
		}()
	}
	wg.Wait()

	want := int64(threads * perThread)
	if got := s.ToolCallCount("search"); got != want {
		t.Errorf("ToolCallCount = %d, want %d", got, want)
	}
	if got := s.GetInfo().TotalToolCalls; got != want {
		t.Errorf("TotalToolCalls = %d, want %d", got, want)
	}
}

func TestLastActivityMonotonicUnderMutators(t *testing.T) {
	s := New("")
	prev := s.LastActivity()

	mutate := []func(){
		func() { s.ActivateWorkspace(Workspace{Name: "a", Root: "/a"}) },
		func() { s.SetModes([]string{"edit"}) },
		func() { s.IncrementToolCalls("t") },
		func() { s.Disconnect() },
	}
	for _, m := range mutate {
		time.Sleep(time.Millisecond)
		m()
		next := s.LastActivity()
		if next.Before(prev) {
			t.Fatalf("last_activity went backwards: %v -> %v", prev, next)
		}
		prev = next
	}
}

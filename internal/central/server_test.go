package central

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/toolctx"
)

type stubResolver struct {
	name, root string
	err        error
}

func (r stubResolver) Resolve(pathOrName string) (string, string, error) {
	if r.err != nil {
		return "", "", r.err
	}
	return r.name, r.root, nil
}

type countingTool struct {
	name string
}

func (t countingTool) Name() string              { return t.name }
func (t countingTool) Description() string       { return "" }
func (t countingTool) Parameters() map[string]any { return nil }
func (t countingTool) CanEdit() bool             { return false }
func (t countingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return "ok", nil
}

type failingTool struct{}

func (failingTool) Name() string              { return "fails" }
func (failingTool) Description() string       { return "" }
func (failingTool) Parameters() map[string]any { return nil }
func (failingTool) CanEdit() bool             { return false }
func (failingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return "", errors.New("boom")
}

func newTestServer(t *testing.T, resolver WorkspaceResolver) *Server {
	t.Helper()
	return NewServer(Config{
		Logger:     zap.NewNop(),
		Workspaces: resolver,
		NewToolRegistry: func() *toolctx.Registry {
			return toolctx.NewRegistry(countingTool{name: "echo"}, failingTool{})
		},
	})
}

func TestSessionsAreIsolated(t *testing.T) {
	srv := newTestServer(t, stubResolver{name: "proj-a", root: "/a"})
	a := srv.CreateSession("alice")
	b := srv.CreateSession("bob")

	if _, _, err := srv.ActivateProject(context.Background(), a.ID(), "proj-a"); err != nil {
		t.Fatalf("ActivateProject(a): %v", err)
	}

	infoA := a.GetInfo()
	infoB := b.GetInfo()
	if infoA.ActiveProject != "proj-a" {
		t.Errorf("session A project = %q, want proj-a", infoA.ActiveProject)
	}
	if infoB.ActiveProject != "" {
		t.Errorf("session B project = %q, want empty (isolated)", infoB.ActiveProject)
	}
}

func TestExecuteToolUnknownSession(t *testing.T) {
	srv := newTestServer(t, nil)
	result, err := srv.ExecuteTool(context.Background(), "missing", "echo", nil)
	if err != nil {
		t.Fatalf("ExecuteTool returned a Go error for an unknown session: %v", err)
	}
	if want := "Error: Unknown session missing"; result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
}

func TestExecuteToolDisconnectedSession(t *testing.T) {
	srv := newTestServer(t, nil)
	sess := srv.CreateSession("alice")
	srv.DisconnectSession(sess.ID())

	result, err := srv.ExecuteTool(context.Background(), sess.ID(), "echo", nil)
	if err != nil {
		t.Fatalf("ExecuteTool returned a Go error for a disconnected session: %v", err)
	}
	if want := fmt.Sprintf("Error: Session %s is disconnected", sess.ID()); result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
}

func TestExecuteToolRefusesMutatingToolAgainstTemplate(t *testing.T) {
	srv := NewServer(Config{
		Logger: zap.NewNop(),
		NewToolRegistry: func() *toolctx.Registry {
			return toolctx.NewRegistry(editTool{})
		},
	})
	sess := srv.CreateSession("alice")

	// Simulate a connected session whose per-session context has gone
	// missing (e.g. a race with disconnect cleanup): mutating tools must
	// never fall through to the template in this case.
	srv.ctxMu.Lock()
	delete(srv.sessionContexts, sess.ID())
	srv.ctxMu.Unlock()

	result, err := srv.ExecuteTool(context.Background(), sess.ID(), "edit", nil)
	if err != nil {
		t.Fatalf("ExecuteTool returned a Go error for a missing context: %v", err)
	}
	if !strings.HasPrefix(result, "Error:") {
		t.Errorf("result = %q, want an Error: string refusing the mutating dispatch", result)
	}
}

type editTool struct{}

func (editTool) Name() string              { return "edit" }
func (editTool) Description() string       { return "" }
func (editTool) Parameters() map[string]any { return nil }
func (editTool) CanEdit() bool             { return true }
func (editTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return "ok", nil
}

func TestExecuteToolRecordsFailureEvent(t *testing.T) {
	srv := newTestServer(t, nil)
	sess := srv.CreateSession("alice")

	result, err := srv.ExecuteTool(context.Background(), sess.ID(), "fails", nil)
	if err != nil {
		t.Fatalf("ExecuteTool returned Go error for tool failure: %v", err)
	}
	if result != "Error: boom" {
		t.Errorf("result = %q, want %q", result, "Error: boom")
	}

	events := srv.LifecycleEvents(0)
	if len(events) == 0 {
		t.Fatal("expected at least one lifecycle event")
	}
	last := events[len(events)-1]
	if success, _ := last.Detail["success"].(bool); success {
		t.Error("expected tool_executed event with success=false")
	}
}

func TestActivateProjectUnknownWorkspace(t *testing.T) {
	srv := newTestServer(t, stubResolver{err: errors.New("not found")})
	sess := srv.CreateSession("alice")

	_, _, err := srv.ActivateProject(context.Background(), sess.ID(), "nope")
	if !errors.Is(err, ErrUnknownWorkspace) {
		t.Errorf("err = %v, want ErrUnknownWorkspace", err)
	}
}

func TestToolStatsTrackAndClear(t *testing.T) {
	srv := newTestServer(t, nil)
	sess := srv.CreateSession("alice")

	srv.ExecuteTool(context.Background(), sess.ID(), "echo", nil)
	srv.ExecuteTool(context.Background(), sess.ID(), "echo", nil)

	if got := srv.ToolStats()["echo"]; got != 2 {
		t.Errorf("ToolStats()[echo] = %d, want 2", got)
	}

	srv.ClearToolStats()
	if got := srv.ToolStats()["echo"]; got != 0 {
		t.Errorf("ToolStats()[echo] after clear = %d, want 0", got)
	}
	if srv.GetStats().TotalToolCalls != 2 {
		t.Error("ClearToolStats must not reset the running total")
	}
}

func TestLastExecutionReflectsMostRecentCall(t *testing.T) {
	srv := newTestServer(t, nil)
	sess := srv.CreateSession("alice")

	if _, ok := srv.LastExecution(); ok {
		t.Fatal("expected no last execution before any tool call")
	}

	srv.ExecuteTool(context.Background(), sess.ID(), "echo", nil)

	event, ok := srv.LastExecution()
	if !ok {
		t.Fatal("expected a last execution after a tool call")
	}
	if tool, _ := event.Detail["tool"].(string); tool != "echo" {
		t.Errorf("LastExecution tool = %q, want echo", tool)
	}
}

func TestConfigOverviewReflectsToolCatalog(t *testing.T) {
	srv := newTestServer(t, nil)
	overview := srv.ConfigOverview()
	if overview.ToolCount != 2 {
		t.Errorf("ToolCount = %d, want 2", overview.ToolCount)
	}
}

func TestConcurrentToolCallsPerSessionCounter(t *testing.T) {
	srv := newTestServer(t, nil)
	sess := srv.CreateSession("alice")

	const goroutines = 10
	const perGoroutine = 20
	done := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < perGoroutine; j++ {
				_, _ = srv.ExecuteTool(context.Background(), sess.ID(), "echo", nil)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}

	if got := sess.ToolCallCount("echo"); got != goroutines*perGoroutine {
		t.Errorf("ToolCallCount = %d, want %d", got, goroutines*perGoroutine)
	}
}

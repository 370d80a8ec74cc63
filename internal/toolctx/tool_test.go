package toolctx

import (
	"context"
	"errors"
	"testing"
)

type stubTool struct {
	name    string
	canEdit bool
	result  string
	err     error
}

func (s *stubTool) Name() string                    { return s.name }
func (s *stubTool) Description() string             { return "stub" }
func (s *stubTool) Parameters() map[string]any       { return map[string]any{} }
func (s *stubTool) CanEdit() bool                   { return s.canEdit }
func (s *stubTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return s.result, s.err
}

func TestCatalogSortedByName(t *testing.T) {
	r := NewRegistry(&stubTool{name: "zeta"}, &stubTool{name: "alpha"})
	cat := r.Catalog()
	if len(cat) != 2 || cat[0].Name != "alpha" || cat[1].Name != "zeta" {
		t.Errorf("Catalog() = %+v, want alpha before zeta", cat)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	ctx := New(Config{Tools: NewRegistry()})
	_, err := ctx.Execute(context.Background(), "missing", nil)
	if err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestExecuteWrapsToolErrorAsResultString(t *testing.T) {
	r := NewRegistry(&stubTool{name: "fail", err: errors.New("boom")})
	ec := New(Config{Tools: r})

	result, err := ec.Execute(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("Execute should not return a Go error for a tool failure, got %v", err)
	}
	if result != "Error: boom" {
		t.Errorf("result = %q, want %q", result, "Error: boom")
	}
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	r := NewRegistry(&panicTool{})
	ec := New(Config{Tools: r})

	result, err := ec.Execute(context.Background(), "panics", nil)
	if err != nil {
		t.Fatalf("Execute should not propagate a panic as a Go error, got %v", err)
	}
	if result == "" {
		t.Error("expected a non-empty error string result after recovering from panic")
	}
}

type panicTool struct{}

func (panicTool) Name() string              { return "panics" }
func (panicTool) Description() string       { return "" }
func (panicTool) Parameters() map[string]any { return nil }
func (panicTool) CanEdit() bool             { return false }
func (panicTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	panic("kaboom")
}

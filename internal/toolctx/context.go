package toolctx

import (
	"context"
	"fmt"
)

// ModeInfo names one entry in the catalog of known session modes. Concrete mode behavior is
// an external collaborator; this package only tracks the active set.
type ModeInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ContextInfo names one entry in the static context catalog (e.g.
// "desktop-app", "agent", "ide-assistant") used to render the system
// prompt. Concrete prompt rendering is external; ExecutionContext only
// carries the active context's name.
type ContextInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ExecutionContext is a session-local bundle of resources — a workspace
// handle, mode set, and tool registry view — used to run one tool call. One
// ExecutionContext is created per live session and destroyed at session
// disconnect; the server also keeps a read-only template instance used
// only for catalog/prompt discovery (see Server in internal/central).
type ExecutionContext struct {
	contextName    string
	tools          *Registry
	availableModes []ModeInfo
	contexts       []ContextInfo
	promptFunc     func(activeModes []string, projectName string) string

	projectName string
	projectRoot string
	activeModes []string
}

// Config supplies everything New needs from the caller.
// PromptFunc may be nil, in which case a minimal default prompt is used.
type Config struct {
	ContextName    string
	Tools          *Registry
	AvailableModes []ModeInfo
	Contexts       []ContextInfo
	PromptFunc     func(activeModes []string, projectName string) string
}

// New creates an ExecutionContext from cfg.
func New(cfg Config) *ExecutionContext {
	return &ExecutionContext{
		contextName:    cfg.ContextName,
		tools:          cfg.Tools,
		availableModes: cfg.AvailableModes,
		contexts:       cfg.Contexts,
		promptFunc:     cfg.PromptFunc,
		activeModes:    []string{},
	}
}

// Tools returns the tool registry view for this context.
func (c *ExecutionContext) Tools() *Registry { return c.tools }

// SetProject records the active project's name and root. An empty name
// deactivates the project.
func (c *ExecutionContext) SetProject(name, root string) {
	c.projectName = name
	c.projectRoot = root
}

// Project returns the active project name and root.
func (c *ExecutionContext) Project() (name, root string) {
	return c.projectName, c.projectRoot
}

// SetModes replaces the active mode list.
func (c *ExecutionContext) SetModes(modes []string) {
	cp := make([]string, len(modes))
	copy(cp, modes)
	c.activeModes = cp
}

// Modes returns the active mode list.
func (c *ExecutionContext) Modes() []string {
	cp := make([]string, len(c.activeModes))
	copy(cp, c.activeModes)
	return cp
}

// AvailableModes returns the static catalog of modes this context knows
// about, independent of which are currently active.
func (c *ExecutionContext) AvailableModes() []ModeInfo { return c.availableModes }

// Contexts returns the static catalog of contexts.
func (c *ExecutionContext) Contexts() []ContextInfo { return c.contexts }

// Prompt renders the system prompt for the context's current state.
func (c *ExecutionContext) Prompt() string {
	if c.promptFunc != nil {
		return c.promptFunc(c.activeModes, c.projectName)
	}
	if c.projectName == "" {
		return fmt.Sprintf("context=%s, no active project", c.contextName)
	}
	return fmt.Sprintf("context=%s, project=%s, modes=%v", c.contextName, c.projectName, c.activeModes)
}

// Execute resolves and runs the named tool, recovering from any panic so
// a misbehaving tool implementation can never take the dispatcher down
// with it. Errors are returned as a value, never as a panic.
func (c *ExecutionContext) Execute(ctx context.Context, name string, args map[string]any) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Sprintf("Error: tool %q panicked: %v", name, r)
			err = nil
		}
	}()

	tool, ok := c.tools.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	out, execErr := tool.Execute(ctx, args)
	if execErr != nil {
		return fmt.Sprintf("Error: %v", execErr), nil
	}
	return out, nil
}

// Shutdown releases any session-scoped resources. Best-effort and
// idempotent: callers should log errors and never propagate them.
func (c *ExecutionContext) Shutdown() {
	// No owned OS resources in this implementation beyond the tool
	// registry view, which is stateless from the context's perspective.
}

// Package central implements CentralServer: it owns a SessionManager, a
// per-session ExecutionContext map, and a server-local lifecycle event
// ring, routes tool calls, and keeps itself registered in the
// cross-process InstanceRegistry.
package central

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/eventlog"
	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/registry"
	"github.com/coderelay/coderelay/internal/session"
	"github.com/coderelay/coderelay/internal/toolctx"
	"github.com/coderelay/coderelay/internal/types"
	"github.com/coderelay/coderelay/internal/wsfeed"
)

// heartbeatInterval is how often Server refreshes its InstanceRegistry entry.
const heartbeatInterval = 30 * time.Second

// WorkspaceResolver turns a project path or name into a concrete
// workspace handle. The concrete resolution logic (filesystem probing,
// project indexing) is an external collaborator this package only
// declares a narrow interface for.
type WorkspaceResolver interface {
	Resolve(pathOrName string) (name, root string, err error)
}

// Stats is a point-in-time snapshot of server-wide counters.
type Stats struct {
	StartedAt      time.Time `json:"started_at"`
	TotalSessions  int64     `json:"total_sessions"`
	TotalToolCalls int64     `json:"total_tool_calls"`
	ActiveSessions int       `json:"active_sessions"`
}

// Config supplies everything NewServer needs from its caller.
type Config struct {
	Logger          *zap.Logger
	Registry        *registry.Registry
	Workspaces      WorkspaceResolver
	ContextName     string
	AvailableModes  []toolctx.ModeInfo
	Contexts        []toolctx.ContextInfo
	PromptFunc      func(activeModes []string, projectName string) string
	NewToolRegistry func() *toolctx.Registry
	Port            int
}

// Server owns one SessionManager, a per-session ExecutionContext map, and
// the server-local lifecycle event ring. It registers and heartbeats
// itself into the InstanceRegistry.
//
// Three independent locks guard disjoint state: ctxMu for the
// session-id→context map, statsMu for the stats object. The event ring has
// its own internal lock (eventlog.Ring).
type Server struct {
	logger   *zap.Logger
	sessions *session.Manager
	reg      *registry.Registry
	workspaces WorkspaceResolver

	contextName     string
	availableModes  []toolctx.ModeInfo
	contexts        []toolctx.ContextInfo
	promptFunc      func(activeModes []string, projectName string) string
	newToolRegistry func() *toolctx.Registry

	ctxMu           sync.Mutex
	sessionContexts map[string]*toolctx.ExecutionContext
	template        *toolctx.ExecutionContext

	statsMu        sync.Mutex
	stats          Stats
	toolCallCounts map[string]int64
	inFlightCalls  int64

	events *eventlog.Ring[Event]
	feed   *wsfeed.Feed     // optional; nil unless a caller wires one in
	metr   *metrics.Central // optional; nil unless a caller wires one in

	port int
	cron gocron.Scheduler
}

// SetFeed attaches a live WebSocket feed: every event recorded from this
// point on is also broadcast to its subscribers. Call before Start.
func (s *Server) SetFeed(feed *wsfeed.Feed) {
	s.feed = feed
}

// SetMetrics attaches a prometheus collector set: session/tool-call
// counters are updated from this point on. Call before Start.
func (s *Server) SetMetrics(m *metrics.Central) {
	s.metr = m
}

// NewServer creates a Server. Call Start to register it in the registry
// and begin heartbeating; call Shutdown to deregister and release
// per-session resources.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger.Named("central_server")

	newRegistry := cfg.NewToolRegistry
	if newRegistry == nil {
		newRegistry = func() *toolctx.Registry { return toolctx.NewRegistry() }
	}

	s := &Server{
		logger:          logger,
		sessions:        session.NewManager(cfg.Logger),
		reg:             cfg.Registry,
		workspaces:      cfg.Workspaces,
		contextName:     cfg.ContextName,
		availableModes:  cfg.AvailableModes,
		contexts:        cfg.Contexts,
		promptFunc:      cfg.PromptFunc,
		newToolRegistry: newRegistry,
		sessionContexts: make(map[string]*toolctx.ExecutionContext),
		toolCallCounts:  make(map[string]int64),
		events:          eventlog.New[Event](maxServerEvents),
		port:            cfg.Port,
	}

	s.template = s.newExecutionContext()
	s.stats = Stats{StartedAt: time.Now()}
	return s
}

func (s *Server) newExecutionContext() *toolctx.ExecutionContext {
	return toolctx.New(toolctx.Config{
		ContextName:    s.contextName,
		Tools:          s.newToolRegistry(),
		AvailableModes: s.availableModes,
		Contexts:       s.contexts,
		PromptFunc:     s.promptFunc,
	})
}

// Start registers the server in the InstanceRegistry, begins the session
// reaper, and starts the heartbeat loop.
func (s *Server) Start(ctx context.Context) error {
	if err := s.sessions.StartCleanup(); err != nil {
		return fmt.Errorf("central: starting session cleanup: %w", err)
	}

	if s.reg != nil {
		if _, err := s.reg.Register(ctx, processPID(), s.port, s.contextName, nil); err != nil {
			return fmt.Errorf("central: registering instance: %w", err)
		}

		cron, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("central: creating heartbeat scheduler: %w", err)
		}
		_, err = cron.NewJob(
			gocron.DurationJob(heartbeatInterval),
			gocron.NewTask(s.heartbeatOnce),
		)
		if err != nil {
			return fmt.Errorf("central: scheduling heartbeat: %w", err)
		}
		s.cron = cron
		cron.Start()
	}

	s.recordEvent(types.EventServerStarted, "", nil)
	s.logger.Info("central server started", zap.Int("port", s.port))
	return nil
}

func (s *Server) heartbeatOnce() {
	if s.reg == nil {
		return
	}
	if err := s.reg.UpdateHeartbeat(context.Background(), processPID()); err != nil {
		s.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

// Shutdown is best-effort and timeout-split: half of total is given to
// tearing down per-session contexts, half to the template context.
// Errors during shutdown are logged and swallowed.
func (s *Server) Shutdown(ctx context.Context, total time.Duration) {
	s.recordEvent(types.EventServerShutdown, "", nil)

	if s.cron != nil {
		_ = s.cron.Shutdown()
	}
	if s.reg != nil {
		if err := s.reg.Unregister(context.Background(), processPID()); err != nil {
			s.logger.Warn("failed to deregister instance", zap.Error(err))
		}
	}

	half := total / 2

	func() {
		deadline := time.Now().Add(half)
		s.ctxMu.Lock()
		defer s.ctxMu.Unlock()
		for id, ec := range s.sessionContexts {
			if time.Now().After(deadline) {
				s.logger.Warn("session context shutdown budget exceeded", zap.String("session_id", id))
				break
			}
			shutdownSafely(s.logger, ec)
		}
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("template context shutdown panicked", zap.Any("recover", r))
			}
		}()
		s.template.Shutdown()
	}()

	s.sessions.Shutdown()
}

func shutdownSafely(logger *zap.Logger, ec *toolctx.ExecutionContext) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session context shutdown panicked", zap.Any("recover", r))
		}
	}()
	ec.Shutdown()
}

// CreateSession creates a new session and its own ExecutionContext.
func (s *Server) CreateSession(clientName string) *session.Session {
	sess := s.sessions.CreateSession(clientName)

	ec := s.newExecutionContext()
	s.ctxMu.Lock()
	s.sessionContexts[sess.ID()] = ec
	s.ctxMu.Unlock()

	s.statsMu.Lock()
	s.stats.TotalSessions++
	s.statsMu.Unlock()

	if s.metr != nil {
		s.metr.SessionsTotal.Inc()
		s.metr.ActiveSessions.Set(float64(len(s.sessions.GetActiveSessions())))
	}

	s.recordEvent(types.EventSessionCreated, sess.ID(), nil)
	return sess
}

// GetSession returns the session with the given id.
func (s *Server) GetSession(id string) (*session.Session, bool) {
	return s.sessions.Get(id)
}

// ActiveSessions returns every non-disconnected session.
func (s *Server) ActiveSessions() []*session.Session {
	return s.sessions.GetActiveSessions()
}

// DisconnectSession disconnects id and tears down its ExecutionContext.
func (s *Server) DisconnectSession(id string) bool {
	if !s.sessions.DisconnectSession(id) {
		return false
	}

	s.ctxMu.Lock()
	ec, ok := s.sessionContexts[id]
	delete(s.sessionContexts, id)
	s.ctxMu.Unlock()
	if ok {
		shutdownSafely(s.logger, ec)
	}

	if s.metr != nil {
		s.metr.ActiveSessions.Set(float64(len(s.sessions.GetActiveSessions())))
	}

	s.recordEvent(types.EventSessionDisconnect, id, nil)
	return true
}

// contextFor resolves a session's ExecutionContext, returning the template
// with usedTemplate=true when the session has none. ExecuteTool, its only
// caller, then refuses mutating tools (CanEdit) and runs read-only tools
// against the template with a logged warning.
func (s *Server) contextFor(id string) (ec *toolctx.ExecutionContext, usedTemplate bool) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	if ec, ok := s.sessionContexts[id]; ok {
		return ec, false
	}
	return s.template, true
}

// Template returns the read-only template ExecutionContext used for
// catalog and prompt discovery.
func (s *Server) Template() *toolctx.ExecutionContext { return s.template }

// ActivateProject resolves pathOrName through the WorkspaceResolver and
// activates it on the named session.
func (s *Server) ActivateProject(ctx context.Context, sessionID, pathOrName string) (name, root string, err error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return "", "", ErrSessionNotFound
	}
	if sess.IsDisconnected() {
		return "", "", ErrSessionDisconnected
	}
	if s.workspaces == nil {
		return "", "", ErrUnknownWorkspace
	}

	name, root, err = s.workspaces.Resolve(pathOrName)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnknownWorkspace, err)
	}

	sess.ActivateWorkspace(session.Workspace{Name: name, Root: root})

	if s.reg != nil {
		if regErr := s.reg.UpdateProject(ctx, processPID(), name, root); regErr != nil {
			s.logger.Warn("failed to propagate project activation to registry", zap.Error(regErr))
		}
	}

	s.recordEvent(types.EventProjectActivated, sessionID, map[string]any{"project_name": name})
	return name, root, nil
}

// SetModes replaces the named session's active mode list.
func (s *Server) SetModes(sessionID string, modes []string) error {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if sess.IsDisconnected() {
		return ErrSessionDisconnected
	}
	sess.SetModes(modes)
	s.recordEvent(types.EventModesChanged, sessionID, map[string]any{"modes": modes})
	return nil
}

// ExecuteTool dispatches a tool call for a session and always returns a
// string result with a nil error, matching the ground-truth contract:
// resolve the session, and on an unknown or disconnected session return
// an "Error: …" string rather than failing the call; resolve its
// ExecutionContext (falling back to the template with a logged warning
// if missing, but refusing — as an "Error: …" result, never a dispatch —
// to run a mutating tool against the template); increment counters; run
// the tool with panic/error recovery already handled inside
// ExecutionContext.Execute; record a tool_executed event with a success
// flag derived from whether the result starts with "Error:".
func (s *Server) ExecuteTool(ctx context.Context, sessionID, toolName string, args map[string]any) (string, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return fmt.Sprintf("Error: Unknown session %s", sessionID), nil
	}
	if sess.IsDisconnected() {
		return fmt.Sprintf("Error: Session %s is disconnected", sessionID), nil
	}

	ec, usedTemplate := s.contextFor(sessionID)
	if usedTemplate {
		if tool, ok := ec.Tools().Get(toolName); ok && tool.CanEdit() {
			s.logger.Warn("refusing to dispatch a mutating tool against the template context",
				zap.String("session_id", sessionID), zap.String("tool", toolName))
			result := fmt.Sprintf("Error: tool %q mutates workspace state and session %s has no active context", toolName, sessionID)
			s.recordEvent(types.EventToolExecuted, sessionID, map[string]any{"tool": toolName, "success": false})
			return result, nil
		}
		s.logger.Warn("dispatching against template context: session has none",
			zap.String("session_id", sessionID), zap.String("tool", toolName))
	}

	sess.IncrementToolCalls(toolName)
	s.statsMu.Lock()
	s.stats.TotalToolCalls++
	s.toolCallCounts[toolName]++
	s.inFlightCalls++
	s.statsMu.Unlock()
	if s.metr != nil {
		s.metr.ToolCallsTotal.Inc()
	}

	defer func() {
		s.statsMu.Lock()
		s.inFlightCalls--
		s.statsMu.Unlock()
	}()

	result, err := ec.Execute(ctx, toolName, args)
	if err != nil {
		result = fmt.Sprintf("Error: %v", err)
	}

	success := !strings.HasPrefix(result, "Error:")
	s.recordEvent(types.EventToolExecuted, sessionID, map[string]any{"tool": toolName, "success": success})
	return result, nil
}

// ToolNames returns the full tool catalog's names, sorted, for the
// FleetDashboard tool-names proxy.
func (s *Server) ToolNames() []string {
	catalog := s.template.Tools().Catalog()
	names := make([]string, len(catalog))
	for i, c := range catalog {
		names[i] = c.Name
	}
	return names
}

// ToolStats returns a copy of the server-wide per-tool call counts, for
// the FleetDashboard tool-stats proxy.
func (s *Server) ToolStats() map[string]int64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make(map[string]int64, len(s.toolCallCounts))
	for k, v := range s.toolCallCounts {
		out[k] = v
	}
	return out
}

// ClearToolStats resets the per-tool call counts without touching the
// running total-tool-calls counter.
func (s *Server) ClearToolStats() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.toolCallCounts = make(map[string]int64)
}

// QueuedExecutions returns the number of tool calls currently in flight
// across all sessions.
func (s *Server) QueuedExecutions() int64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.inFlightCalls
}

// LastExecution returns the most recently recorded tool_executed event,
// or false if no tool has been called yet.
func (s *Server) LastExecution() (Event, bool) {
	events := s.events.Recent(maxServerEvents)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == types.EventToolExecuted {
			return events[i], true
		}
	}
	return Event{}, false
}

// ConfigOverview summarizes this instance's active configuration for the
// FleetDashboard config-overview proxy.
type ConfigOverview struct {
	ContextName    string   `json:"context_name"`
	AvailableModes []string `json:"available_modes"`
	ToolCount      int      `json:"tool_count"`
	ActiveSessions int      `json:"active_sessions"`
	Port           int      `json:"port"`
}

// ConfigOverview returns the current ConfigOverview snapshot.
func (s *Server) ConfigOverview() ConfigOverview {
	modes := make([]string, len(s.availableModes))
	for i, m := range s.availableModes {
		modes[i] = m.Name
	}
	return ConfigOverview{
		ContextName:    s.contextName,
		AvailableModes: modes,
		ToolCount:      len(s.template.Tools().Catalog()),
		ActiveSessions: len(s.ActiveSessions()),
		Port:           s.port,
	}
}

// RecentLogs renders up to limit of the most recent server-local
// lifecycle events as log lines, for the FleetDashboard logs proxy. This
// is the only log sink CentralServer exposes over HTTP; the process's
// own zap output is not captured here.
func (s *Server) RecentLogs(limit int) []string {
	events := s.events.Recent(limit)
	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = fmt.Sprintf("[%s] %s session=%s detail=%v",
			e.Timestamp.Format(time.RFC3339), e.Type, e.SessionID, e.Detail)
	}
	return lines
}

// Tools returns the tool catalog from the template context, used by the
// `/tools` discovery endpoint.
func (s *Server) Tools() []toolctx.Catalog {
	return s.template.Tools().Catalog()
}

// GetStats returns a snapshot of server-wide counters.
func (s *Server) GetStats() Stats {
	s.statsMu.Lock()
	stats := s.stats
	s.statsMu.Unlock()
	stats.ActiveSessions = len(s.ActiveSessions())
	return stats
}

// LifecycleEvents returns up to limit of the most recent server-local
// events, oldest first.
func (s *Server) LifecycleEvents(limit int) []Event {
	return s.events.Recent(limit)
}

func (s *Server) recordEvent(typ types.ServerEventType, sessionID string, detail map[string]any) {
	event := Event{
		Timestamp: time.Now(),
		Type:      typ,
		SessionID: sessionID,
		Detail:    detail,
	}
	s.events.Append(event)
	if s.feed != nil {
		s.feed.Broadcast(event)
	}
}

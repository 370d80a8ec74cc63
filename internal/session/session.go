// Package session implements the in-process unit of client isolation
// (Session) and its manager (SessionManager). Every Session attribute
// access goes through its private mutex; SessionManager holds the
// id→Session map under its own lock.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/types"
)

const (
	// idleThreshold is how long a session may go without activity before
	// its derived state becomes IDLE.
	idleThreshold = 300 * time.Second

	// retentionPeriod is how long a DISCONNECTED session is kept around for
	// post-mortem inspection before the reaper removes it.
	retentionPeriod = 3600 * time.Second
)

// Workspace is the minimal handle a session keeps on its active project.
// The concrete workspace implementation (path resolution, on-disk state)
// is an external collaborator; the session only needs a name and root.
type Workspace struct {
	Name string
	Root string
}

// Info is an immutable snapshot of a Session's externally visible state,
// safe to serialize directly to JSON for the HTTP API.
type Info struct {
	ID             string         `json:"id"`
	ClientName     string         `json:"client_name,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivity   time.Time      `json:"last_activity"`
	State          types.SessionState `json:"state"`
	ActiveProject  string         `json:"active_project_name,omitempty"`
	ProjectRoot    string         `json:"active_project_root,omitempty"`
	Modes          []string       `json:"modes"`
	TotalToolCalls int64          `json:"total_tool_calls"`
	ToolCallCounts map[string]int64 `json:"tool_call_counts"`
}

// Session is the in-process state for one connected client: its
// workspace, modes, counters, and lifecycle. All fields below mu are
// guarded by mu; every mutator calls touchLocked to advance last activity.
//
// Go has no built-in reentrant mutex, so internal helpers that assume the
// lock is already held are named with a "Locked" suffix and never
// re-acquire mu; public methods lock once and call into them. This gives
// the same single-owner-at-a-time guarantee a reentrant mutex would,
// without risking deadlock on self-recursion.
type Session struct {
	id         string
	clientName string
	createdAt  time.Time

	mu           sync.Mutex
	state        types.SessionState
	lastActivity time.Time
	workspace    *Workspace
	modes        []string
	totalCalls   int64
	toolCalls    map[string]int64
}

// New creates a new CONNECTED session with a freshly generated id.
func New(clientName string) *Session {
	now := time.Now()
	return &Session{
		id:           uuid.NewString(),
		clientName:   clientName,
		createdAt:    now,
		state:        types.SessionConnected,
		lastActivity: now,
		modes:        []string{},
		toolCalls:    make(map[string]int64),
	}
}

// ID returns the session's immutable identifier.
func (s *Session) ID() string { return s.id }

// touchLocked advances last_activity to now. mu must be held by the caller.
// It is the sole writer of lastActivity, satisfying the monotonic-advance
// invariant: time.Now() never goes backwards within a process.
func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

// stateLocked computes the externally visible state, promoting
// CONNECTED/ACTIVE to IDLE when last_activity is stale. mu must be held.
// Computed on read rather than by a background writer so no goroutine
// needs to touch every session on every tick; re-derived under the lock
// on every read to avoid a torn read of lastActivity.
func (s *Session) stateLocked() types.SessionState {
	if (s.state == types.SessionConnected || s.state == types.SessionActive) &&
		time.Since(s.lastActivity) > idleThreshold {
		return types.SessionIdle
	}
	return s.state
}

// ActivateWorkspace transitions the session to ACTIVE and records the
// active workspace handle. Idempotent: re-activating the same or a
// different workspace simply updates the handle.
func (s *Session) ActivateWorkspace(ws Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspace = &ws
	s.state = types.SessionActive
	s.touchLocked()
}

// SetModes replaces the session's active mode list.
func (s *Session) SetModes(modes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(modes))
	copy(cp, modes)
	s.modes = cp
	s.touchLocked()
}

// Modes returns a copy of the session's current mode list.
func (s *Session) Modes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.modes))
	copy(cp, s.modes)
	return cp
}

// Workspace returns a copy of the session's active workspace handle, or
// nil if none has been activated yet.
func (s *Session) Workspace() *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workspace == nil {
		return nil
	}
	cp := *s.workspace
	return &cp
}

// Touch advances last_activity without recording a tool call. Used by the
// heartbeat path, which should keep a session alive without skewing its
// tool-call counters.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

// IncrementToolCalls records one invocation of the named tool. Concurrent
// callers from any number of goroutines never lose an update: the whole
// read-modify-write happens under mu.
func (s *Session) IncrementToolCalls(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCalls++
	s.toolCalls[tool]++
	s.touchLocked()
}

// ToolCallCount returns the number of times the named tool has been
// invoked in this session.
func (s *Session) ToolCallCount(tool string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolCalls[tool]
}

// Disconnect transitions the session to DISCONNECTED. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.SessionDisconnected
	s.touchLocked()
}

// IsDisconnected reports whether the session's raw (non-derived) state is
// DISCONNECTED. Used by the reaper, which must never touch anything else.
func (s *Session) IsDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == types.SessionDisconnected
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// GetInfo returns a consistent snapshot of the session's externally
// visible state, computing the derived IDLE state under the lock.
func (s *Session) GetInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64, len(s.toolCalls))
	for k, v := range s.toolCalls {
		counts[k] = v
	}
	modes := make([]string, len(s.modes))
	copy(modes, s.modes)

	info := Info{
		ID:             s.id,
		ClientName:     s.clientName,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		State:          s.stateLocked(),
		Modes:          modes,
		TotalToolCalls: s.totalCalls,
		ToolCallCounts: counts,
	}
	if s.workspace != nil {
		info.ActiveProject = s.workspace.Name
		info.ProjectRoot = s.workspace.Root
	}
	return info
}

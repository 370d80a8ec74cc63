package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const reapInterval = 60 * time.Second

// Manager holds id→Session under a single lock and runs the background
// reaper that removes long-disconnected sessions. The zero value is not
// usable — create instances with NewManager.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *zap.Logger
	cron     gocron.Scheduler
}

// NewManager creates an empty Manager. Call StartCleanup to begin the
// background reaper.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.Named("session_manager"),
	}
}

// CreateSession returns a new CONNECTED session with a freshly generated
// id. Atomic: the map insertion happens under mu; the id is a random UUID
// generated before the lock is taken.
func (m *Manager) CreateSession(clientName string) *Session {
	s := New(clientName)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", s.ID()), zap.String("client_name", clientName))
	return s
}

// Get returns the session with the given id, or false if unknown.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// DisconnectSession transitions the session to DISCONNECTED and retains it
// for post-mortem inspection until the reaper removes it.
func (m *Manager) DisconnectSession(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Disconnect()
	m.logger.Info("session disconnected", zap.String("session_id", id))
	return true
}

// RemoveSession disconnects and immediately removes the session.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.Disconnect()
	delete(m.sessions, id)
	return true
}

// GetActiveSessions returns every session whose raw state is not
// DISCONNECTED.
func (m *Manager) GetActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.IsDisconnected() {
			out = append(out, s)
		}
	}
	return out
}

// All returns every retained session, including disconnected ones still
// within their retention window.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of retained sessions (active and disconnected).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartCleanup starts the background reaper, which runs every 60s and
// removes every DISCONNECTED session whose last activity is older than
// the retention period. It never removes a session that is not
// DISCONNECTED.
func (m *Manager) StartCleanup() error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating session reaper scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(reapInterval),
		gocron.NewTask(m.reapOnce),
	)
	if err != nil {
		return fmt.Errorf("scheduling session reaper: %w", err)
	}

	m.cron = cron
	cron.Start()
	return nil
}

// reapOnce removes every DISCONNECTED session past its retention window.
// Swallows nothing to report — there is nothing fallible here — but never
// panics: a single bad session must not stop the reaper from examining the
// rest.
func (m *Manager) reapOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.IsDisconnected() && time.Since(s.LastActivity()) > retentionPeriod {
			delete(m.sessions, id)
			m.logger.Info("session reaped", zap.String("session_id", id))
		}
	}
}

// Shutdown marks every retained session DISCONNECTED and stops the
// reaper, waiting up to 5s for it to finish its current tick.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.Disconnect()
	}
	m.mu.Unlock()

	if m.cron == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = m.cron.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("session reaper shutdown timed out")
	}
}

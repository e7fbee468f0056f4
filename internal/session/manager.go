package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/michaelbrown/codebench/internal/assignment"
	"github.com/michaelbrown/codebench/internal/progress"
	"github.com/michaelbrown/codebench/internal/sandbox"
)

// SandboxFactory builds a fresh sandbox for a new session. The assignment's
// package list may widen the allow-list.
type SandboxFactory func(a *assignment.Assignment) sandbox.Sandbox

// Manager tracks live sessions. Each session owns its own sandbox, which is
// warmed up in the background as soon as the session exists.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	newSandbox SandboxFactory
	tracker    *progress.Tracker
	recorder   Recorder
	logger     *slog.Logger
	warmup     time.Duration
}

// NewManager creates a Manager.
func NewManager(newSandbox SandboxFactory, tracker *progress.Tracker, recorder Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		newSandbox: newSandbox,
		tracker:    tracker,
		recorder:   recorder,
		logger:     logger,
		warmup:     30 * time.Second,
	}
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Create starts a session for a student on an assignment. An empty id gets
// a fresh UUID. A known id returns the existing session, provided it is for
// the same student and assignment.
func (m *Manager) Create(ctx context.Context, id, studentID string, a *assignment.Assignment) (*Session, error) {
	if id != "" {
		if s, ok := m.Get(id); ok {
			if err := s.matches(studentID, a); err != nil {
				return nil, err
			}
			return s, nil
		}
	}

	box := m.newSandbox(a)
	s, err := New(Options{
		ID:         id,
		StudentID:  studentID,
		Assignment: a,
		Sandbox:    box,
		Tracker:    m.tracker,
		Recorder:   m.recorder,
		Logger:     m.logger,
	})
	if err != nil {
		box.Close()
		return nil, err
	}
	if _, err := m.tracker.Open(ctx, studentID, a.ID); err != nil {
		box.Close()
		return nil, fmt.Errorf("opening progress: %w", err)
	}

	m.mu.Lock()
	if existing, ok := m.sessions[s.id]; ok {
		m.mu.Unlock()
		box.Close()
		if err := existing.matches(studentID, a); err != nil {
			return nil, err
		}
		return existing, nil
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	go m.warm(s)
	return s, nil
}

func (s *Session) matches(studentID string, a *assignment.Assignment) error {
	if s.studentID != studentID || s.assignment.ID != a.ID {
		return fmt.Errorf("%w: %s is %s on %s", ErrSessionMismatch, s.id, s.studentID, s.assignment.ID)
	}
	return nil
}

// warm bootstraps the session's sandbox so the first run does not pay for
// it. A failure is only logged; Execute retries the bootstrap.
func (m *Manager) warm(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.warmup)
	defer cancel()
	if err := s.box.Bootstrap(ctx); err != nil {
		s.logger.Warn("sandbox warm-up failed", "err", err)
	}
}

// List returns live sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Remove closes and forgets a session.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		if err := s.Close(); err != nil {
			m.logger.Warn("closing session", "session", id, "err", err)
		}
	}
	return ok
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

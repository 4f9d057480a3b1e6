// Package status records where each session stands in the pipeline, so
// long-running transcriptions can be inspected without tailing logs.
package status

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Session states.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Session is the tracked state of one pipeline run.
type Session struct {
	SessionID string
	State     string
	Stage     string
	Progress  float64
	Error     string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Tracker persists session progress. Implementations must be safe for
// concurrent use.
type Tracker interface {
	StartSession(ctx context.Context, sessionID string) error
	UpdateStage(ctx context.Context, sessionID, stage string, progress float64) error
	CompleteSession(ctx context.Context, sessionID string) error
	FailSession(ctx context.Context, sessionID string, cause error) error
	Get(ctx context.Context, sessionID string) (*Session, error)
}

// ErrUnknownSession is returned for updates against a session never started.
var ErrUnknownSession = fmt.Errorf("status: unknown session")

// Memory is an in-process Tracker, used when no status database is
// configured.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemory creates an empty in-memory tracker.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*Session)}
}

// StartSession implements [Tracker].
func (m *Memory) StartSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.sessions[sessionID] = &Session{
		SessionID: sessionID,
		State:     StateRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// UpdateStage implements [Tracker].
func (m *Memory) UpdateStage(_ context.Context, sessionID, stage string, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.Stage = stage
	s.Progress = progress
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteSession implements [Tracker].
func (m *Memory) CompleteSession(_ context.Context, sessionID string) error {
	return m.finish(sessionID, StateCompleted, "")
}

// FailSession implements [Tracker].
func (m *Memory) FailSession(_ context.Context, sessionID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return m.finish(sessionID, StateFailed, msg)
}

func (m *Memory) finish(sessionID, state, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.State = state
	s.Error = errMsg
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Get implements [Tracker].
func (m *Memory) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	cp := *s
	return &cp, nil
}

// List returns all tracked sessions, newest first.
func (m *Memory) List(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

var _ Tracker = (*Memory)(nil)

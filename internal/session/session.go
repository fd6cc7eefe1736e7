// Package session owns the in-memory lifecycle of agent sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/lucid-engine/internal/agent"
	"github.com/ashureev/lucid-engine/internal/events"
	"github.com/ashureev/lucid-engine/internal/metrics"
	"github.com/ashureev/lucid-engine/internal/workspace"
)

var (
	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession is returned when adding an id that is already registered.
	ErrDuplicateSession = errors.New("session already registered")
)

// ValidationError reports a request that cannot start a session.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ProvisioningError reports a session whose resources could not be created.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Session is one task execution bound to one connection and one sandbox.
type Session struct {
	ID            string
	UserID        string
	Task          string
	RepoURL       string
	Branch        string
	ProjectID     string
	ModelProvider string
	CreatedAt     time.Time
	Mock          bool

	// Dir is the on-disk workspace; ContainerID is empty for plain-directory
	// sessions.
	Dir         string
	ContainerID string
	Workspace   workspace.Backend

	events chan events.Event
	limits events.Limits
	runner agent.Runner

	alive      atomic.Bool
	lastActive atomic.Int64

	mu       sync.Mutex
	cancel   context.CancelFunc
	detached chan struct{}
	detach   sync.Once
}

func newSession(id, userID string, queueCap int, limits events.Limits) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		events:    make(chan events.Event, queueCap),
		limits:    limits,
		detached:  make(chan struct{}),
	}
	s.alive.Store(true)
	s.lastActive.Store(now.UnixNano())
	return s
}

// Alive reports whether the session has not yet begun teardown.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// MarkDead flips the liveness flag. It returns true only for the call that
// performed the transition.
func (s *Session) MarkDead() bool {
	return s.alive.CompareAndSwap(true, false)
}

// Events is the session's event queue, consumed by the streaming pipeline.
func (s *Session) Events() <-chan events.Event {
	return s.events
}

// Runner returns the session's agent runner.
func (s *Session) Runner() agent.Runner {
	return s.runner
}

// Emit normalizes ev and enqueues it without blocking. When the queue is full
// the event is dropped and false is returned.
func (s *Session) Emit(ev events.Event) bool {
	if !s.Alive() {
		return false
	}
	s.Touch()
	select {
	case s.events <- events.Normalize(ev, s.limits):
		return true
	default:
		metrics.EventsDropped.Inc()
		return false
	}
}

// Touch records activity for idle expiry.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the most recent activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Attach binds the cancel function of the connection serving this session.
func (s *Session) Attach(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Detach marks the attached connection's teardown as finished. It is safe
// to call more than once.
func (s *Session) Detach() {
	s.detach.Do(func() { close(s.detached) })
}

// Detached is closed once the serving connection has finished teardown.
func (s *Session) Detached() <-chan struct{} {
	return s.detached
}

// cancelConnection cancels the attached connection, reporting whether one
// was attached.
func (s *Session) cancelConnection() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

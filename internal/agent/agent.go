// Package agent drives the external task-running agent for a session.
package agent

import (
	"context"
	"errors"

	"github.com/ashureev/lucid-engine/internal/events"
)

var (
	// ErrRunTimeout is returned when a run exceeds its deadline.
	ErrRunTimeout = errors.New("agent run timed out")

	// ErrUnsupportedProvider is returned for an unknown model provider.
	ErrUnsupportedProvider = errors.New("unsupported model provider")

	// ErrAPIKeyMissing is returned when no API key can be resolved.
	ErrAPIKeyMissing = errors.New("api key missing")
)

// EmitFunc receives events produced during a run. It must not block.
type EmitFunc func(events.Event)

// Runner drives one agent conversation.
type Runner interface {
	// Send queues a user message for the next Run.
	Send(message string)

	// Run processes queued messages until the agent finishes or ctx ends.
	Run(ctx context.Context) error

	// Close releases the conversation.
	Close() error
}

// Spec describes the session a runner is created for.
type Spec struct {
	SessionID string
	UserID    string
	Task      string
	RepoURL   string
	GitToken  string
	Branch    string
	Model     Model

	// Exactly one of WorkspaceDir or ContainerID is the execution target;
	// ContainerID sessions see the workspace at MountPath.
	WorkspaceDir string
	ContainerID  string
	MountPath    string
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/lucid-engine/internal/agent"
	"github.com/ashureev/lucid-engine/internal/container"
	"github.com/ashureev/lucid-engine/internal/events"
	"github.com/ashureev/lucid-engine/internal/metrics"
	"github.com/ashureev/lucid-engine/internal/workspace"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// RunnerFactory creates agent runners for new sessions.
type RunnerFactory interface {
	MockMode() bool
	ResolveModel(provider, apiKey string) (agent.Model, error)
	NewRunner(ctx context.Context, spec agent.Spec, emit agent.EmitFunc) (agent.Runner, error)
}

// Options configures a Manager.
type Options struct {
	BasePath        string
	Retain          bool
	MountPath       string
	QueueCapacity   int
	Limits          events.Limits
	DefaultProvider string
}

// CreateRequest carries the handshake fields that start a session.
type CreateRequest struct {
	UserID        string
	Task          string
	RepoURL       string
	GitToken      string
	Branch        string
	ModelProvider string
	APIKey        string
	ProjectID     string
}

// Manager creates and destroys sessions, composing the registry, sandbox
// manager, workspace layout and agent runners.
type Manager struct {
	reg       *Registry
	sandboxes container.Manager
	runners   RunnerFactory
	opts      Options
}

// NewManager creates a session manager. A nil sandboxes runs every session
// in a plain directory.
func NewManager(reg *Registry, sandboxes container.Manager, runners RunnerFactory, opts Options) *Manager {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1000
	}
	if opts.Limits == (events.Limits{}) {
		opts.Limits = events.DefaultLimits
	}
	return &Manager{reg: reg, sandboxes: sandboxes, runners: runners, opts: opts}
}

// Registry returns the session registry.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// MockMode reports whether sessions use scripted runners.
func (m *Manager) MockMode() bool {
	return m.runners.MockMode()
}

// Create validates req and provisions a registered session. On failure
// nothing created along the way is left behind.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, &ValidationError{Field: "task", Err: errors.New("missing required field: task")}
	}
	if req.UserID == "" {
		return nil, &ValidationError{Field: "user", Err: errors.New("user id is required")}
	}
	if !workspace.SafeSegment(req.UserID) {
		return nil, &ValidationError{Field: "user", Err: fmt.Errorf("user id %q is not a valid path segment", req.UserID)}
	}

	provider := strings.ToLower(req.ModelProvider)
	if provider == "" {
		provider = m.opts.DefaultProvider
	}
	var model agent.Model
	if !m.runners.MockMode() {
		var err error
		if model, err = m.runners.ResolveModel(provider, req.APIKey); err != nil {
			return nil, &ValidationError{Field: "modelProvider", Err: err}
		}
	}

	s := newSession(uuid.NewString(), req.UserID, m.opts.QueueCapacity, m.opts.Limits)
	s.Task = task
	s.RepoURL = req.RepoURL
	s.Branch = req.Branch
	s.ProjectID = req.ProjectID
	s.ModelProvider = provider
	s.Mock = m.runners.MockMode()
	s.Dir = workspace.Dir(m.opts.BasePath, req.UserID, s.ID)

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, &ProvisioningError{Step: "workspace", Err: err}
	}

	spec := agent.Spec{
		SessionID: s.ID,
		UserID:    s.UserID,
		Task:      task,
		RepoURL:   req.RepoURL,
		GitToken:  req.GitToken,
		Branch:    req.Branch,
		Model:     model,
	}

	if m.sandboxes != nil {
		containerID, err := m.sandboxes.CreateSandbox(ctx, s.ID, s.UserID, s.Dir)
		if err != nil {
			m.rollback(ctx, s)
			return nil, &ProvisioningError{Step: "sandbox", Err: err}
		}
		s.ContainerID = containerID
		s.Workspace = workspace.Sandbox{SessionID: s.ID, Root: m.opts.MountPath, Exec: m.sandboxes}
		spec.ContainerID = containerID
		spec.MountPath = m.opts.MountPath
	} else {
		s.Workspace = workspace.Local{Root: s.Dir}
		spec.WorkspaceDir = s.Dir
	}

	runner, err := m.runners.NewRunner(ctx, spec, func(ev events.Event) { s.Emit(ev) })
	if err != nil {
		m.rollback(ctx, s)
		return nil, &ProvisioningError{Step: "agent runner", Err: err}
	}
	s.runner = runner

	if err := m.reg.Add(s); err != nil {
		_ = runner.Close()
		m.rollback(ctx, s)
		return nil, &ProvisioningError{Step: "registry", Err: err}
	}

	mode := "real"
	if s.Mock {
		mode = "mock"
	}
	metrics.SessionsCreated.WithLabelValues(mode).Inc()
	slog.Info("Session created",
		"session_id", s.ID,
		"user_id", s.UserID,
		"container_id", s.ContainerID,
		"mode", mode,
		"task", events.Truncate(task, 60))
	return s, nil
}

// Destroy unregisters and tears down a session. Every step runs even if an
// earlier one fails; the aggregated failure is returned for logging. Calling
// Destroy for an unknown or already destroyed id is a no-op.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	s, ok := m.reg.Remove(id)
	if !ok {
		return nil
	}
	s.MarkDead()
	slog.Info("Destroying session", "session_id", id, "user_id", s.UserID)

	var result *multierror.Error
	if s.runner != nil {
		if err := s.runner.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close runner: %w", err))
		}
	}
	if err := m.release(ctx, s); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		slog.Warn("Session teardown incomplete", "session_id", id, "error", err)
		return err
	}
	return nil
}

// release destroys the sandbox and, unless retained, the workspace dir.
// Sandbox failures are logged by the sandbox manager.
func (m *Manager) release(ctx context.Context, s *Session) error {
	if m.sandboxes != nil && s.ContainerID != "" {
		m.sandboxes.DestroySandbox(ctx, s.ID)
	}
	if m.opts.Retain {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", s.Dir, err)
	}
	return nil
}

// rollback undoes a partial Create. The workspace is removed even when
// workspaces are retained, since the session never existed.
func (m *Manager) rollback(ctx context.Context, s *Session) {
	if m.sandboxes != nil && s.ContainerID != "" {
		m.sandboxes.DestroySandbox(ctx, s.ID)
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		slog.Warn("Failed to roll back session workspace", "session_id", s.ID, "error", err)
	}
}

// Terminate ends a session. A session served by a connection has that
// connection cancelled and is awaited until the connection has finished its
// own teardown; an unattached session is destroyed here. Terminate for an
// unknown id is a no-op.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	s := m.reg.Lookup(id)
	if s == nil {
		return nil
	}
	if s.cancelConnection() {
		select {
		case <-s.Detached():
			return nil
		case <-ctx.Done():
			slog.Warn("Connection teardown did not finish in time", "session_id", id, "error", ctx.Err())
		}
		// Destroy still runs the remaining steps past the caller's deadline.
		ctx = context.WithoutCancel(ctx)
	}
	return m.Destroy(ctx, id)
}

// Shutdown terminates every session in parallel, waiting for attached
// connections to finish their teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	ids := m.reg.IDs()
	if len(ids) == 0 {
		return nil
	}
	slog.Info("Shutting down sessions", "count", len(ids))

	var g errgroup.Group
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Terminate(ctx, id)
		})
	}
	return g.Wait()
}

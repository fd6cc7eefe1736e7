// Package container provides Docker sandbox management for agent sessions.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/lucid-engine/internal/config"
	"github.com/ashureev/lucid-engine/internal/metrics"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
)

const (
	// Labels identifying containers owned by this system.
	LabelManaged   = "lucid.managed"
	LabelSessionID = "lucid.session_id"
	LabelUserID    = "lucid.user_id"

	stopTimeoutSecs = 10

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

var dnsFixCmd = []string{"sh", "-c", "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"}

// Manager defines the interface for managing per-session sandboxes.
type Manager interface {
	// CreateSandbox starts a sandbox for a session with workspaceDir mounted.
	CreateSandbox(ctx context.Context, sessionID, userID, workspaceDir string) (string, error)

	// ExecCommand runs argv inside the session's sandbox and returns the exit
	// code and combined output. A session without a sandbox yields exit code 1.
	ExecCommand(ctx context.Context, sessionID string, argv []string) (int, string, error)

	// DestroySandbox stops and removes the session's sandbox. Failures are logged.
	DestroySandbox(ctx context.Context, sessionID string)

	// CleanupOrphaned removes every labeled sandbox, tracked or not.
	CleanupOrphaned(ctx context.Context) int

	// DestroyAll destroys every tracked sandbox.
	DestroyAll(ctx context.Context)

	// Ping checks that the container runtime is reachable.
	Ping(ctx context.Context) error

	// ActiveCount returns the number of tracked sandboxes.
	ActiveCount() int
}

// Options configures a DockerManager.
type Options struct {
	Image       string
	MountPath   string
	NamePrefix  string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	Network     string
	Runtime     string // "" = default (runc), "runsc" = gVisor

	// BasePath and HostPath translate workspace dirs into bind mount sources
	// when the daemon sees a different filesystem than this process.
	BasePath string
	HostPath string
}

// OptionsFromConfig builds Options from the sandbox and workspace settings.
func OptionsFromConfig(sb config.SandboxConfig, ws config.WorkspaceConfig) (Options, error) {
	mem, err := units.RAMInBytes(sb.MemoryLimit)
	if err != nil {
		return Options{}, fmt.Errorf("parse SANDBOX_MEMORY_LIMIT %q: %w", sb.MemoryLimit, err)
	}
	return Options{
		Image:       sb.Image,
		MountPath:   sb.MountPath,
		NamePrefix:  sb.ContainerPrefix,
		MemoryBytes: mem,
		NanoCPUs:    int64(sb.CPULimit * 1e9),
		PidsLimit:   sb.PidsLimit,
		Network:     sb.Network,
		Runtime:     sb.Runtime,
		BasePath:    ws.BasePath,
		HostPath:    ws.HostPath,
	}, nil
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli  client.APIClient
	opts Options

	mu        sync.Mutex
	sandboxes map[string]string // session id -> container id
}

// NewDockerManager creates a Docker-backed sandbox manager from the environment.
func NewDockerManager(opts Options) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := opts.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", opts.Image)
	return NewDockerManagerWithClient(cli, opts), nil
}

// NewDockerManagerWithClient wraps an existing Docker API client.
func NewDockerManagerWithClient(cli client.APIClient, opts Options) *DockerManager {
	return &DockerManager{cli: cli, opts: opts, sandboxes: make(map[string]string)}
}

// CreateSandbox creates and starts a labeled container for the session.
func (m *DockerManager) CreateSandbox(ctx context.Context, sessionID, userID, workspaceDir string) (string, error) {
	name := m.opts.NamePrefix + sessionID
	source, err := m.mountSource(workspaceDir)
	if err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:      m.opts.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: m.opts.MountPath,
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelSessionID: sessionID,
			LabelUserID:    userID,
		},
	}

	hostConfig := &container.HostConfig{
		Runtime: m.opts.Runtime,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: source,
			Target: m.opts.MountPath,
		}},
		Resources: container.Resources{
			Memory:   m.opts.MemoryBytes,
			NanoCPUs: m.opts.NanoCPUs,
		},
	}
	if m.opts.PidsLimit > 0 {
		hostConfig.Resources.PidsLimit = ptr(m.opts.PidsLimit)
	}
	if m.opts.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(m.opts.Network)
	}

	slog.Info("Creating sandbox", "session_id", sessionID, "user_id", userID, "mount_source", source)

	resp, err := m.create(ctx, cfg, hostConfig, name)
	if err != nil {
		return "", err
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove sandbox after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start sandbox %s: %w", resp.ID, err)
	}

	// gVisor netstack often fails against Docker's embedded DNS.
	if m.opts.Runtime == "runsc" {
		if code, out, err := m.exec(ctx, resp.ID, dnsFixCmd, "root"); err != nil || code != 0 {
			slog.Warn("Failed to apply DNS fix", "container_id", resp.ID, "exit_code", code, "output", out, "error", err)
		}
	}

	m.mu.Lock()
	m.sandboxes[sessionID] = resp.ID
	metrics.SandboxesActive.Set(float64(len(m.sandboxes)))
	m.mu.Unlock()

	slog.Info("Sandbox created and started", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

// create issues ContainerCreate, pulling the image once if it is missing and
// clearing a stale container that holds the name.
func (m *DockerManager) create(ctx context.Context, cfg *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error) {
	var (
		resp   container.CreateResponse
		err    error
		pulled bool
	)
	for i := 0; i < createRetryAttempts; i++ {
		resp, err = m.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, name)
		if err == nil {
			return resp, nil
		}

		switch {
		case errdefs.IsNotFound(err) && !pulled:
			pulled = true
			if pullErr := m.pullImage(ctx); pullErr != nil {
				return resp, fmt.Errorf("create sandbox: %w", errors.Join(err, pullErr))
			}
			continue
		case errdefs.IsConflict(err) || strings.Contains(strings.ToLower(err.Error()), "is already in use"):
			slog.Warn("Sandbox name conflict during create, retrying", "container_name", name, "attempt", i+1, "error", err)
			if stopErr := m.removeContainer(ctx, name); stopErr != nil {
				slog.Warn("Failed to remove conflicting sandbox before retry", "container_name", name, "error", stopErr)
			}
		default:
			return resp, fmt.Errorf("create sandbox: %w", err)
		}

		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	return resp, fmt.Errorf("create sandbox after retries: %w", err)
}

func (m *DockerManager) pullImage(ctx context.Context) error {
	slog.Info("Pulling sandbox image", "image", m.opts.Image)
	rc, err := m.cli.ImagePull(ctx, m.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", m.opts.Image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", m.opts.Image, err)
	}
	return nil
}

// mountSource maps a local workspace dir to the path the Docker daemon sees.
func (m *DockerManager) mountSource(workspaceDir string) (string, error) {
	abs, err := filepath.Abs(workspaceDir)
	if err != nil {
		return "", fmt.Errorf("resolve workspace dir: %w", err)
	}
	if m.opts.HostPath == "" {
		return abs, nil
	}
	base, err := filepath.Abs(m.opts.BasePath)
	if err != nil {
		return "", fmt.Errorf("resolve workspace base: %w", err)
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace dir %s is outside %s", abs, base)
	}
	return filepath.Join(m.opts.HostPath, rel), nil
}

// ExecCommand runs argv in the session's sandbox.
func (m *DockerManager) ExecCommand(ctx context.Context, sessionID string, argv []string) (int, string, error) {
	containerID, ok := m.lookup(sessionID)
	if !ok {
		return 1, fmt.Sprintf("no sandbox for session %s", sessionID), nil
	}
	return m.exec(ctx, containerID, argv, "")
}

func (m *DockerManager) exec(ctx context.Context, containerID string, argv []string, user string) (int, string, error) {
	resp, err := m.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          argv,
		User:         user,
		WorkingDir:   m.opts.MountPath,
	})
	if err != nil {
		return 1, "", fmt.Errorf("create exec in sandbox %s: %w", containerID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return 1, "", fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attachResp.Reader); err != nil {
		return 1, out.String(), fmt.Errorf("read exec output %s: %w", resp.ID, err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return 1, out.String(), fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return inspect.ExitCode, out.String(), nil
}

// DestroySandbox forgets the session's sandbox, then stops and removes it.
// It is idempotent: a second call for the same session does nothing.
func (m *DockerManager) DestroySandbox(ctx context.Context, sessionID string) {
	m.mu.Lock()
	containerID, ok := m.sandboxes[sessionID]
	delete(m.sandboxes, sessionID)
	metrics.SandboxesActive.Set(float64(len(m.sandboxes)))
	m.mu.Unlock()

	if !ok {
		slog.Debug("No sandbox tracked for session", "session_id", sessionID)
		return
	}

	if err := m.removeContainer(ctx, containerID); err != nil {
		slog.Warn("Failed to destroy sandbox", "session_id", sessionID, "container_id", containerID, "error", err)
		return
	}
	slog.Info("Sandbox destroyed", "session_id", sessionID, "container_id", containerID)
}

// CleanupOrphaned removes every container carrying the managed label.
func (m *DockerManager) CleanupOrphaned(ctx context.Context) int {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		slog.Error("Failed to list sandboxes for orphan cleanup", "error", err)
		return 0
	}

	removed := 0
	for _, c := range list {
		sessionID := c.Labels[LabelSessionID]
		if err := m.removeContainer(ctx, c.ID); err != nil {
			slog.Warn("Failed to remove orphaned sandbox", "container_id", c.ID, "session_id", sessionID, "error", err)
			continue
		}
		m.mu.Lock()
		if m.sandboxes[sessionID] == c.ID {
			delete(m.sandboxes, sessionID)
		}
		metrics.SandboxesActive.Set(float64(len(m.sandboxes)))
		m.mu.Unlock()
		removed++
	}

	if removed > 0 {
		metrics.OrphansRemoved.Add(float64(removed))
		slog.Info("Orphaned sandboxes removed", "count", removed)
	}
	return removed
}

// DestroyAll destroys every tracked sandbox.
func (m *DockerManager) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for sessionID := range m.sandboxes {
		ids = append(ids, sessionID)
	}
	m.mu.Unlock()

	for _, sessionID := range ids {
		m.DestroySandbox(ctx, sessionID)
	}
	if len(ids) > 0 {
		slog.Info("All sandboxes destroyed", "count", len(ids))
	}
}

// Ping checks that the Docker daemon is reachable.
func (m *DockerManager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// ActiveCount returns the number of tracked sandboxes.
func (m *DockerManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sandboxes)
}

func (m *DockerManager) lookup(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sandboxes[sessionID]
	return id, ok
}

// removeContainer stops and removes a container by id or name.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) removeContainer(ctx context.Context, ref string) error {
	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox already removed", "container_id", ref)
			return nil
		}
		slog.Debug("Sandbox stop returned error, continuing to remove", "container_id", ref, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Sandbox removal already in progress", "container_id", ref)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, sandbox may still be removed", "container_id", ref, "error", err)
			return nil
		}
		return fmt.Errorf("remove sandbox %s: %w", ref, err)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

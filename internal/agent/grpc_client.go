package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/lucid-engine/internal/events"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const runMethod = "/lucid.agent.v1.AgentRunner/Run"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errRunnerError              = errors.New("agent runner returned error")
)

var runStreamDesc = &grpc.StreamDesc{StreamName: "Run", ServerStreams: true}

// jsonCodec carries the runner protocol as JSON over gRPC framing.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// RunRequest starts or continues a conversation on the runner.
type RunRequest struct {
	SessionID    string   `json:"sessionId"`
	UserID       string   `json:"userId"`
	Messages     []string `json:"messages"`
	Model        Model    `json:"model"`
	RepoURL      string   `json:"repoUrl,omitempty"`
	GitToken     string   `json:"gitToken,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	WorkspaceDir string   `json:"workspaceDir,omitempty"`
	ContainerID  string   `json:"containerId,omitempty"`
	MountPath    string   `json:"mountPath,omitempty"`
}

// RunEvent is one event streamed back by the runner.
type RunEvent struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Command   string `json:"command,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Path      string `json:"path,omitempty"`
	Thought   string `json:"thought,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (e RunEvent) event() events.Event {
	ev := events.Event{
		Type:     e.Type,
		Content:  e.Content,
		Command:  e.Command,
		ExitCode: e.ExitCode,
		Path:     e.Path,
		Thought:  e.Thought,
	}
	if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		ev.Timestamp = ts
	}
	return ev
}

// GrpcClient is a connection to the external agent runner service.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the runner and fails fast if it is not ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent runner at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent runner at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent runner", "address", cfg.Address)
	return &GrpcClient{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Health checks the runner through the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("agent runner status %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// NewRunner creates a runner bound to spec that streams into emit.
func (c *GrpcClient) NewRunner(spec Spec, emit EmitFunc) *GrpcRunner {
	return &GrpcRunner{client: c, spec: spec, emit: emit}
}

// GrpcRunner runs a session's conversation on the remote runner.
type GrpcRunner struct {
	client *GrpcClient
	spec   Spec
	emit   EmitFunc

	mu      sync.Mutex
	pending []string
}

// Send queues a message for the next Run.
func (r *GrpcRunner) Send(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, message)
}

// Run streams events for the queued messages until the runner ends the stream.
func (r *GrpcRunner) Run(ctx context.Context) error {
	r.mu.Lock()
	msgs := r.pending
	r.pending = nil
	r.mu.Unlock()

	req := &RunRequest{
		SessionID:    r.spec.SessionID,
		UserID:       r.spec.UserID,
		Messages:     msgs,
		Model:        r.spec.Model,
		RepoURL:      r.spec.RepoURL,
		GitToken:     r.spec.GitToken,
		Branch:       r.spec.Branch,
		WorkspaceDir: r.spec.WorkspaceDir,
		ContainerID:  r.spec.ContainerID,
		MountPath:    r.spec.MountPath,
	}

	stream, err := r.client.conn.NewStream(ctx, runStreamDesc, runMethod,
		grpc.ForceCodec(jsonCodec{}), grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("run request failed: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("send run request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close run request: %w", err)
	}

	for {
		var ev RunEvent
		err := stream.RecvMsg(&ev)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run stream error: %w", err)
		}
		if ev.Error != "" {
			r.emit(events.Event{Category: events.CategoryError, Type: "AgentErrorEvent", Content: ev.Error})
			return fmt.Errorf("%w: %s", errRunnerError, ev.Error)
		}
		r.emit(ev.event())
	}
}

// Close is a no-op; the connection is shared and owned by the client.
func (r *GrpcRunner) Close() error {
	return nil
}

// Package realtime serves the websocket protocol that drives one agent
// session per connection: handshake, authentication, provisioning, task
// runs, follow-ups and teardown.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/lucid-engine/internal/agent"
	"github.com/ashureev/lucid-engine/internal/auth"
	"github.com/ashureev/lucid-engine/internal/events"
	"github.com/ashureev/lucid-engine/internal/metrics"
	"github.com/ashureev/lucid-engine/internal/session"
	"github.com/ashureev/lucid-engine/internal/store"
	"github.com/ashureev/lucid-engine/internal/stream"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Transcripts is the part of the transcript store the protocol writes to.
type Transcripts interface {
	CreateTranscript(ctx context.Context, t *store.Transcript) error
	AppendMessages(ctx context.Context, transcriptID string, msgs []store.Message) error
	MarkTranscriptInactive(ctx context.Context, id string) error
}

// Limiter gates session creation per user.
type Limiter interface {
	Allow(key string) bool
}

// Config tunes the protocol.
type Config struct {
	HandshakeTimeout time.Duration
	RunTimeout       time.Duration
	TeardownTimeout  time.Duration
	// SyncTimeout bounds the wait for queued events before a terminal status.
	SyncTimeout    time.Duration
	Stream         stream.Config
	OriginPatterns []string
}

// Handler accepts websocket connections on the agent endpoint.
type Handler struct {
	sessions    *session.Manager
	auth        *auth.Authenticator
	transcripts Transcripts
	limiter     Limiter
	cfg         Config
	logger      *slog.Logger

	// closing is cancelled by Shutdown; every connection context derives
	// from it as well as from its request.
	closing  context.Context
	closeAll context.CancelFunc
	conns    sync.WaitGroup
}

// NewHandler creates a websocket handler. transcripts and limiter may be nil.
func NewHandler(sessions *session.Manager, authn *auth.Authenticator, transcripts Transcripts, limiter Limiter, cfg Config, logger *slog.Logger) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	closing, closeAll := context.WithCancel(context.Background())
	return &Handler{
		closing:     closing,
		closeAll:    closeAll,
		sessions:    sessions,
		auth:        authn,
		transcripts: transcripts,
		limiter:     limiter,
		cfg:         cfg,
		logger:      logger,
	}
}

// conn is the state of one accepted connection.
type conn struct {
	ws     *websocket.Conn
	client *client
	log    *slog.Logger
	cancel context.CancelFunc

	sess         *session.Session
	transcriptID string
	pipeline     *stream.Pipeline
	stopPipeline context.CancelFunc
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closing.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.conns.Add(1)
	defer h.conns.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() { _ = ws.CloseNow() }()
	h.logger.Info("WebSocket connection accepted", "ip", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopOnClose := context.AfterFunc(h.closing, cancel)
	defer stopOnClose()

	c := &conn{ws: ws, client: &client{ws: ws}, log: h.logger, cancel: cancel}

	code, reason := h.serve(ctx, c, r.URL.Query().Get("token"))
	if c.sess != nil {
		h.terminate(c)
	}
	if err := ws.Close(code, reason); err != nil {
		c.log.Debug("WebSocket close failed", "error", err)
	}
	c.log.Info("WebSocket session cleaned up", "code", int(code))
}

// Shutdown cancels every open connection and waits until each has finished
// its teardown or ctx is done. New connections are refused afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.closeAll()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for websocket teardown: %w", ctx.Err())
	}
}

// serve runs the connection up to the point of teardown and returns the
// close code and reason to send.
func (h *Handler) serve(ctx context.Context, c *conn, queryToken string) (websocket.StatusCode, string) {
	// A connection-level token is checked before anything is read.
	var ident *auth.Identity
	if queryToken != "" {
		id, err := h.auth.ParseToken(queryToken)
		if err != nil {
			c.log.Warn("WebSocket token rejected", "error", err)
			return StatusAuthFailed, "Invalid token"
		}
		ident = &id
	}

	hs, err := h.readHandshake(ctx, c.ws)
	switch {
	case errors.Is(err, errHandshakeTimeout):
		c.log.Warn("WebSocket initial config timeout")
		_ = c.client.fail(ctx, "Timeout waiting for initial configuration.")
		return StatusAuthFailed, "Handshake timeout"
	case err != nil:
		if websocket.CloseStatus(err) != -1 {
			c.log.Debug("WebSocket closed before handshake")
		} else {
			c.log.Warn("Invalid handshake", "error", err)
			_ = c.client.fail(ctx, "Invalid initial configuration.")
		}
		return websocket.StatusUnsupportedData, "Invalid handshake"
	}

	if ident == nil && hs.Token != "" {
		if id, err := h.auth.ParseToken(hs.Token); err == nil {
			ident = &id
		} else {
			c.log.Warn("Handshake token rejected", "error", err)
		}
	}
	if ident == nil {
		c.log.Warn("WebSocket rejected, no valid authentication")
		_ = c.client.fail(ctx, "Authentication required. Provide a valid JWT token.")
		return StatusAuthFailed, "Authentication required"
	}
	c.log = c.log.With("user_id", ident.UserID)

	task := strings.TrimSpace(hs.Task)
	if task == "" {
		_ = c.client.fail(ctx, "Missing required field: 'task'")
		return StatusMissingField, "Missing task"
	}
	if h.limiter != nil && !h.limiter.Allow(ident.UserID) {
		_ = c.client.fail(ctx, "Too many sessions started. Please wait a minute and try again.")
		return websocket.StatusTryAgainLater, "Rate limited"
	}

	if err := c.client.status(ctx, StatusInitializing, "", "Setting up agent workspace..."); err != nil {
		return websocket.StatusGoingAway, "Client gone"
	}

	projectID := hs.ProjectID
	if projectID == "" {
		projectID = ident.ProjectID
	}
	s, err := h.sessions.Create(ctx, session.CreateRequest{
		UserID:        ident.UserID,
		Task:          task,
		RepoURL:       hs.RepoURL,
		GitToken:      hs.GitToken,
		Branch:        hs.Branch,
		ModelProvider: hs.modelProvider(),
		APIKey:        hs.apiKey(),
		ProjectID:     projectID,
	})
	if err != nil {
		return h.provisioningFailed(ctx, c, err)
	}
	c.sess = s
	c.log = c.log.With("session_id", s.ID)
	s.Attach(c.cancel)

	h.openTranscript(ctx, c, task)

	if s.Mock {
		err = c.client.status(ctx, StatusMockMode, s.ID,
			"Running in mock mode. No agent runner is configured, execution is simulated.")
	} else {
		err = c.client.status(ctx, StatusReady, s.ID, "Agent session ready. Starting task...")
	}
	if err != nil {
		return websocket.StatusGoingAway, "Client gone"
	}

	h.startPipeline(ctx, c)

	if err := c.client.taskStart(ctx, "Agent starting task: "+task); err != nil {
		return websocket.StatusGoingAway, "Client gone"
	}
	if err := h.run(ctx, c, task); err != nil {
		return websocket.StatusGoingAway, "Client gone"
	}

	return h.followUps(ctx, c)
}

// followUps handles messages after the first run until stop or disconnect.
func (h *Handler) followUps(ctx context.Context, c *conn) (websocket.StatusCode, string) {
	// A cancelled read context drops the socket without a close frame, so a
	// session ended server side closes it explicitly instead.
	readCtx := context.WithoutCancel(ctx)
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.Close(websocket.StatusNormalClosure, "Session ended")
	})
	defer stop()

	for {
		var msg followUp
		if err := wsjson.Read(readCtx, c.ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				c.log.Info("WebSocket disconnected")
			} else {
				c.log.Warn("WebSocket read error", "error", err)
			}
			return websocket.StatusNormalClosure, "Session ended"
		}
		c.sess.Touch()

		if msg.Type == "stop" {
			_ = c.client.status(ctx, StatusStopping, "", "Stopping agent...")
			return websocket.StatusNormalClosure, "Stopped"
		}

		content := strings.TrimSpace(msg.Content)
		if content == "" {
			if err := c.client.fail(ctx, "Empty content"); err != nil {
				return websocket.StatusGoingAway, "Client gone"
			}
			continue
		}

		c.log.Info("Follow-up received", "content", events.Truncate(content, 80))
		h.persistUserMessage(ctx, c, content, "FollowUp")

		if err := c.client.taskStart(ctx, "Processing: "+events.Truncate(content, 80)+"..."); err != nil {
			return websocket.StatusGoingAway, "Client gone"
		}
		if err := h.run(ctx, c, content); err != nil {
			return websocket.StatusGoingAway, "Client gone"
		}
	}
}

// run submits text to the session's runner and waits for the run under the
// run timeout. Timeouts and run failures are reported to the client and the
// connection continues; only a failed write is returned.
func (h *Handler) run(ctx context.Context, c *conn, text string) error {
	runner := c.sess.Runner()
	runner.Send(text)

	start := time.Now()
	err := agent.RunWithDeadline(ctx, runner, h.cfg.RunTimeout)
	c.sess.Touch()

	outcome := "completed"
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrRunTimeout):
		outcome = "timeout"
	case ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	metrics.RunDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Everything the run queued reaches the client before its terminal status.
	syncCtx, cancel := context.WithTimeout(ctx, h.cfg.SyncTimeout)
	if err := c.pipeline.Sync(syncCtx); err != nil {
		c.log.Warn("Event stream did not drain before status", "error", err)
	}
	cancel()

	switch outcome {
	case "completed":
		return c.client.status(ctx, StatusCompleted, "", "Agent task completed.")
	case "timeout":
		c.log.Warn("Agent run timed out", "timeout", h.cfg.RunTimeout)
		return c.client.fail(ctx, fmt.Sprintf("Agent timed out after %ss.",
			strconv.FormatFloat(h.cfg.RunTimeout.Seconds(), 'f', -1, 64)))
	default:
		c.log.Error("Agent run failed", "error", err)
		return c.client.fail(ctx, "Agent run failed. You can send another message to retry.")
	}
}

func (h *Handler) provisioningFailed(ctx context.Context, c *conn, err error) (websocket.StatusCode, string) {
	var verr *session.ValidationError
	if errors.As(err, &verr) {
		c.log.Warn("Session request rejected", "error", err)
		_ = c.client.fail(ctx, verr.Error())
		return StatusMissingField, "Invalid request"
	}
	c.log.Error("Failed to create session", "error", err)
	_ = c.client.fail(ctx, "Failed to initialize session. Please try again.")
	return websocket.StatusInternalError, "Provisioning failed"
}

var errHandshakeTimeout = errors.New("handshake timeout")

// readHandshake waits for the first message. The read runs on the
// connection context because an expired read context closes the socket,
// and the timeout notice still has to be delivered.
func (h *Handler) readHandshake(ctx context.Context, ws *websocket.Conn) (handshake, error) {
	type result struct {
		hs  handshake
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var hs handshake
		err := wsjson.Read(ctx, ws, &hs)
		ch <- result{hs, err}
	}()

	timer := time.NewTimer(h.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.hs, res.err
	case <-timer.C:
		return handshake{}, errHandshakeTimeout
	}
}

// openTranscript creates the transcript and records the initial task.
// Failures disable persistence for this connection only.
func (h *Handler) openTranscript(ctx context.Context, c *conn, task string) {
	if h.transcripts == nil {
		return
	}
	t := &store.Transcript{
		UserID:         c.sess.UserID,
		AgentSessionID: c.sess.ID,
		ProjectID:      c.sess.ProjectID,
		Title:          events.Truncate(task, 255),
		ModelProvider:  c.sess.ModelProvider,
	}
	if err := h.transcripts.CreateTranscript(ctx, t); err != nil {
		c.log.Warn("Failed to create transcript", "error", err)
		return
	}
	c.transcriptID = t.ID
	c.log.Info("Transcript created", "transcript_id", t.ID)
	h.persistUserMessage(ctx, c, task, "InitialTask")
}

func (h *Handler) persistUserMessage(ctx context.Context, c *conn, content, eventType string) {
	if h.transcripts == nil || c.transcriptID == "" {
		return
	}
	err := h.transcripts.AppendMessages(ctx, c.transcriptID, []store.Message{
		{Role: "user", Content: content, EventType: eventType},
	})
	if err != nil {
		c.log.Warn("Failed to persist user message", "event_type", eventType, "error", err)
	}
}

func (h *Handler) startPipeline(ctx context.Context, c *conn) {
	var writer stream.TranscriptWriter
	if h.transcripts != nil {
		writer = h.transcripts
	}
	c.pipeline = stream.New(c.sess, c.client, c.sess.Workspace, writer, c.transcriptID,
		h.cfg.Stream, c.log)

	pctx, stop := context.WithCancel(ctx)
	c.stopPipeline = stop
	go func() {
		if err := c.pipeline.Run(pctx); err != nil && !errors.Is(err, context.Canceled) {
			// The client is unreachable; stop waiting on the run.
			c.log.Warn("Event stream stopped", "error", err)
			c.cancel()
		}
	}()
}

// terminate releases everything the connection acquired. Each step runs
// regardless of the others; failures are logged.
func (h *Handler) terminate(c *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.TeardownTimeout)
	defer cancel()

	if c.pipeline != nil {
		c.stopPipeline()
		select {
		case <-c.pipeline.Done():
		case <-ctx.Done():
			c.log.Warn("Event stream did not stop before teardown deadline")
		}
	}

	if err := h.sessions.Destroy(ctx, c.sess.ID); err != nil {
		c.log.Warn("Session teardown failed", "error", err)
	}

	if h.transcripts != nil && c.transcriptID != "" {
		if err := h.transcripts.MarkTranscriptInactive(ctx, c.transcriptID); err != nil {
			c.log.Warn("Failed to mark transcript inactive", "transcript_id", c.transcriptID, "error", err)
		}
	}
	c.sess.Detach()
}

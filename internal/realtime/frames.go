package realtime

import (
	"context"
	"time"

	"github.com/ashureev/lucid-engine/internal/events"
	"github.com/ashureev/lucid-engine/internal/workspace"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Close codes sent to clients.
const (
	StatusMissingField websocket.StatusCode = 4001
	StatusAuthFailed   websocket.StatusCode = 4010
)

// Status values of a status frame.
const (
	StatusInitializing = "initializing"
	StatusReady        = "ready"
	StatusMockMode     = "mock_mode"
	StatusCompleted    = "completed"
	StatusStopping     = "stopping"
)

const writeTimeout = 10 * time.Second

// handshake is the first client message. Snake-case aliases are accepted
// for older clients.
type handshake struct {
	Task             string `json:"task"`
	RepoURL          string `json:"repoUrl"`
	GitToken         string `json:"gitToken"`
	Branch           string `json:"branch"`
	ModelProvider    string `json:"modelProvider"`
	ModelProviderAlt string `json:"model_provider"`
	APIKey           string `json:"apiKey"`
	APIKeyAlt        string `json:"api_key"`
	ProjectID        string `json:"projectId"`
	Token            string `json:"token"`
}

func (h handshake) modelProvider() string {
	if h.ModelProvider != "" {
		return h.ModelProvider
	}
	return h.ModelProviderAlt
}

func (h handshake) apiKey() string {
	if h.APIKey != "" {
		return h.APIKey
	}
	return h.APIKeyAlt
}

// followUp is any client message after the handshake.
type followUp struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type statusFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type treeFrame struct {
	Type      string           `json:"type"`
	Tree      []workspace.Node `json:"tree"`
	Timestamp string           `json:"timestamp"`
}

// client writes frames to one websocket. Writes are safe for concurrent use
// by the handler and the stream pipeline.
type client struct {
	ws *websocket.Conn
}

func (c *client) send(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, v)
}

func (c *client) status(ctx context.Context, status, sessionID, message string) error {
	return c.send(ctx, statusFrame{Type: "status", Status: status, SessionID: sessionID, Message: message})
}

func (c *client) fail(ctx context.Context, message string) error {
	return c.send(ctx, errorFrame{Type: "error", Message: message})
}

func (c *client) taskStart(ctx context.Context, content string) error {
	return c.SendEvent(ctx, events.Event{
		Category:  events.CategoryTaskStart,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}.Wire())
}

// SendEvent implements stream.Sender.
func (c *client) SendEvent(ctx context.Context, msg events.Message) error {
	return c.send(ctx, msg)
}

// SendTree implements stream.Sender.
func (c *client) SendTree(ctx context.Context, tree []workspace.Node) error {
	if tree == nil {
		tree = []workspace.Node{}
	}
	return c.send(ctx, treeFrame{
		Type:      "file_tree",
		Tree:      tree,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/lucid-engine/internal/events"
)

// MockRunner replays a scripted run when no agent runner is configured.
type MockRunner struct {
	task      string
	mountPath string
	delay     time.Duration
	emit      EmitFunc

	mu      sync.Mutex
	pending []string
	started bool
	closed  bool
}

// NewMockRunner creates a scripted runner for task.
func NewMockRunner(task, mountPath string, delay time.Duration, emit EmitFunc) *MockRunner {
	if mountPath == "" {
		mountPath = "/workspace"
	}
	return &MockRunner{task: task, mountPath: mountPath, delay: delay, emit: emit}
}

// Send queues a message. The first message starts the scripted run; later
// ones are acknowledged individually.
func (m *MockRunner) Send(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, message)
}

// Run emits the scripted steps, pausing between them.
func (m *MockRunner) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("mock runner closed")
	}
	pending := m.pending
	m.pending = nil
	first := !m.started
	m.started = true
	m.mu.Unlock()

	var steps []events.Event
	if first && len(pending) > 0 {
		steps = m.script()
		pending = pending[1:]
	}
	for _, msg := range pending {
		steps = append(steps, events.Event{
			Category: events.CategoryObservation,
			Type:     "MockResponse",
			Content:  fmt.Sprintf("[MOCK] Received: %q\nThe agent would process this in production mode.", msg),
		})
	}

	for _, ev := range steps {
		ev.Timestamp = time.Now().UTC()
		m.emit(ev)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	return nil
}

func (m *MockRunner) script() []events.Event {
	hello := m.mountPath + "/hello.py"
	return []events.Event{
		{Category: events.CategoryAction, Type: "ThinkAction", Content: fmt.Sprintf("Analyzing task: %q", m.task), Thought: "Let me break this down into steps..."},
		{Category: events.CategoryAction, Type: "CmdRunAction", Content: "mkdir -p " + m.mountPath, Command: "mkdir -p " + m.mountPath},
		{Category: events.CategoryObservation, Type: "CmdOutputObservation", Content: "Directory created successfully.", ExitCode: events.IntPtr(0)},
		{Category: events.CategoryAction, Type: "FileWriteAction", Content: `print("Hello, World!")`, Path: hello},
		{Category: events.CategoryObservation, Type: "FileWriteObservation", Content: "File written: " + hello, Path: hello},
		{Category: events.CategoryAction, Type: "CmdRunAction", Content: "python " + hello, Command: "python " + hello},
		{Category: events.CategoryObservation, Type: "CmdOutputObservation", Content: "Hello, World!", ExitCode: events.IntPtr(0)},
	}
}

// Close marks the runner closed.
func (m *MockRunner) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

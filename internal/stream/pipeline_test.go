package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/lucid-engine/internal/events"
	"github.com/ashureev/lucid-engine/internal/store"
	"github.com/ashureev/lucid-engine/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	ch   chan events.Event
	dead atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan events.Event, 100)}
}

func (s *fakeSource) Events() <-chan events.Event { return s.ch }
func (s *fakeSource) Alive() bool                 { return !s.dead.Load() }

func (s *fakeSource) emit(evs ...events.Event) {
	for _, ev := range evs {
		s.ch <- events.Normalize(ev, events.DefaultLimits)
	}
}

// frame is a sent event type or "tree".
type fakeSender struct {
	mu     sync.Mutex
	frames []string
	fail   error
}

func (s *fakeSender) SendEvent(_ context.Context, msg events.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.frames = append(s.frames, msg.EventType)
	return nil
}

func (s *fakeSender) SendTree(_ context.Context, _ []workspace.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, "tree")
	return nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]store.Message
	fail    error
}

func (w *fakeWriter) AppendMessages(_ context.Context, _ string, msgs []store.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.batches = append(w.batches, msgs)
	return nil
}

func (w *fakeWriter) sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, 0, len(w.batches))
	for _, b := range w.batches {
		out = append(out, len(b))
	}
	return out
}

type fakeTree struct {
	err   error
	calls atomic.Int32
}

func (f *fakeTree) ReadFile(context.Context, string) (string, error) { return "", nil }

func (f *fakeTree) Tree(context.Context) ([]workspace.Node, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []workspace.Node{{Name: "a.txt", Type: "file", Path: "/a.txt"}}, nil
}

func action(content string) events.Event {
	return events.Event{Type: "CmdRunAction", Content: content, Command: content}
}

type harness struct {
	src    *fakeSource
	sender *fakeSender
	writer *fakeWriter
	tree   *fakeTree
	p      *Pipeline
	cancel context.CancelFunc
	result chan error
}

func startPipeline(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		src:    newFakeSource(),
		sender: &fakeSender{},
		writer: &fakeWriter{},
		tree:   &fakeTree{},
		result: make(chan error, 1),
	}
	h.p = New(h.src, h.sender, h.tree, h.writer, "tr-1", cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.p.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

var slowFlush = Config{BatchSize: 100, BatchInterval: time.Hour, PollInterval: 10 * time.Millisecond}

func TestPipelineForwardsInOrderWithTreeAfterTrigger(t *testing.T) {
	h := startPipeline(t, slowFlush)

	h.src.emit(
		events.Event{Type: "AgentThinkAction", Content: "plan"},
		events.Event{Type: "FileWriteAction", Path: "/workspace/a.txt", Content: "write a.txt"},
		events.Event{Type: "CmdRunAction", Command: "mkdir src", Content: "mkdir src"},
		events.Event{Type: "CmdOutputObservation", Content: "ok"},
	)
	require.NoError(t, h.p.Sync(context.Background()))

	assert.Equal(t, []string{
		"AgentThinkAction",
		"FileWriteAction", "tree",
		"CmdRunAction", "tree",
		"CmdOutputObservation",
	}, h.sender.sent())
	assert.Equal(t, int32(2), h.tree.calls.Load())
}

func TestPipelineFlushesAtBatchSize(t *testing.T) {
	h := startPipeline(t, Config{BatchSize: 3, BatchInterval: time.Hour, PollInterval: 10 * time.Millisecond})

	for i := 0; i < 7; i++ {
		h.src.emit(action("echo hi"))
	}
	require.Eventually(t, func() bool { return len(h.writer.sizes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{3, 3}, h.writer.sizes())

	require.ErrorIs(t, h.stop(t), context.Canceled)
	assert.Equal(t, []int{3, 3, 1}, h.writer.sizes())
}

func TestPipelineFlushesAfterInterval(t *testing.T) {
	h := startPipeline(t, Config{BatchSize: 100, BatchInterval: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	h.src.emit(action("ls"))
	require.Eventually(t, func() bool { return len(h.writer.sizes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1}, h.writer.sizes())
}

func TestPipelinePersistsOnlyContentfulRecordCategories(t *testing.T) {
	h := startPipeline(t, slowFlush)

	h.src.emit(
		events.Event{Type: "AgentStateChangedObservation", Category: events.CategoryState, Content: "running"},
		events.Event{Category: events.CategoryTaskStart, Type: "task_start", Content: "Agent starting task: x"},
		events.Event{Type: "CmdRunAction", Content: ""},
		events.Event{Type: "AgentErrorEvent", Content: "boom"},
		events.Event{Type: "CmdOutputObservation", Content: "out", ExitCode: events.IntPtr(0)},
	)
	require.NoError(t, h.p.Sync(context.Background()))
	require.ErrorIs(t, h.stop(t), context.Canceled)

	require.Len(t, h.writer.batches, 1)
	msgs := h.writer.batches[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, "AgentErrorEvent", msgs[0].EventType)
	assert.Equal(t, "assistant", msgs[0].Role)
	assert.Equal(t, "CmdOutputObservation", msgs[1].EventType)
	assert.Equal(t, 0, msgs[1].Metadata["exitCode"])
	assert.Len(t, h.sender.sent(), 5)
}

func TestPipelineFinalFlushOnSessionDeath(t *testing.T) {
	h := startPipeline(t, slowFlush)

	h.src.emit(action("a"), action("b"))
	require.Eventually(t, func() bool { return len(h.sender.sent()) == 2 }, time.Second, 5*time.Millisecond)

	h.src.dead.Store(true)
	select {
	case err := <-h.result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pipeline kept running after session death")
	}
	assert.Equal(t, []int{2}, h.writer.sizes())
}

func TestPipelineStopsOnSendFailure(t *testing.T) {
	h := startPipeline(t, slowFlush)
	h.sender.mu.Lock()
	h.sender.fail = errors.New("connection closed")
	h.sender.mu.Unlock()

	h.src.emit(action("ls"))
	select {
	case err := <-h.result:
		assert.ErrorContains(t, err, "connection closed")
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop on send failure")
	}
	assert.Empty(t, h.writer.sizes())
}

func TestPipelineSurvivesPersistenceAndTreeFailures(t *testing.T) {
	h := startPipeline(t, Config{BatchSize: 1, BatchInterval: time.Hour, PollInterval: 10 * time.Millisecond})
	h.writer.fail = errors.New("disk full")
	h.tree.err = errors.New("sandbox gone")

	h.src.emit(events.Event{Type: "FileWriteAction", Content: "write"}, action("ls"))
	require.NoError(t, h.p.Sync(context.Background()))

	assert.Equal(t, []string{"FileWriteAction", "CmdRunAction"}, h.sender.sent())
	select {
	case err := <-h.result:
		t.Fatalf("pipeline stopped: %v", err)
	default:
	}
}

func TestSyncAfterStopReturns(t *testing.T) {
	h := startPipeline(t, slowFlush)
	require.ErrorIs(t, h.stop(t), context.Canceled)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, h.p.Sync(ctx))
}

func TestPipelineWithoutPersistence(t *testing.T) {
	src := newFakeSource()
	sender := &fakeSender{}
	p := New(src, sender, nil, nil, "", slowFlush, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	src.emit(events.Event{Type: "FileWriteAction", Content: "x"})
	require.NoError(t, p.Sync(context.Background()))
	cancel()
	<-done
	assert.Equal(t, []string{"FileWriteAction"}, sender.sent())
}

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/lucid-engine/internal/agent"
	"github.com/ashureev/lucid-engine/internal/events"
	"github.com/ashureev/lucid-engine/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSandboxes struct {
	mu        sync.Mutex
	createErr error
	active    map[string]string
	destroyed map[string]int
}

func newFakeSandboxes() *fakeSandboxes {
	return &fakeSandboxes{active: make(map[string]string), destroyed: make(map[string]int)}
}

func (f *fakeSandboxes) CreateSandbox(_ context.Context, sessionID, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := "c-" + sessionID
	f.active[sessionID] = id
	return id, nil
}

func (f *fakeSandboxes) ExecCommand(context.Context, string, []string) (int, string, error) {
	return 0, "", nil
}

func (f *fakeSandboxes) DestroySandbox(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[sessionID]; ok {
		f.destroyed[sessionID]++
		delete(f.active, sessionID)
	}
}

func (f *fakeSandboxes) CleanupOrphaned(context.Context) int { return 0 }
func (f *fakeSandboxes) DestroyAll(context.Context)          {}
func (f *fakeSandboxes) Ping(context.Context) error          { return nil }

func (f *fakeSandboxes) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *fakeSandboxes) destroyCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[id]
}

type fakeRunner struct {
	mu     sync.Mutex
	closed int
}

func (r *fakeRunner) Send(string)               {}
func (r *fakeRunner) Run(context.Context) error { return nil }
func (r *fakeRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

type fakeFactory struct {
	mock      bool
	runnerErr error
	lastSpec  agent.Spec
	runners   []*fakeRunner
}

func (f *fakeFactory) MockMode() bool { return f.mock }

func (f *fakeFactory) ResolveModel(provider, apiKey string) (agent.Model, error) {
	return agent.ResolveModel(provider, apiKey, agent.Keys{Fallback: "server-key"})
}

func (f *fakeFactory) NewRunner(_ context.Context, spec agent.Spec, _ agent.EmitFunc) (agent.Runner, error) {
	if f.runnerErr != nil {
		return nil, f.runnerErr
	}
	f.lastSpec = spec
	r := &fakeRunner{}
	f.runners = append(f.runners, r)
	return r, nil
}

func newTestManager(t *testing.T, sandboxes *fakeSandboxes, factory *fakeFactory) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	opts := Options{
		BasePath:        base,
		MountPath:       "/workspace",
		QueueCapacity:   4,
		DefaultProvider: "anthropic",
	}
	var mgr *Manager
	if sandboxes == nil {
		mgr = NewManager(NewRegistry(), nil, factory, opts)
	} else {
		mgr = NewManager(NewRegistry(), sandboxes, factory, opts)
	}
	return mgr, base
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	s := newSession("s1", "u1", 1, events.DefaultLimits)

	_, err := reg.Get("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Nil(t, reg.Lookup("s1"))

	require.NoError(t, reg.Add(s))
	assert.ErrorIs(t, reg.Add(s), ErrDuplicateSession)

	got, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, []string{"s1"}, reg.IDs())
	assert.Len(t, reg.List(), 1)

	removed, ok := reg.Remove("s1")
	assert.True(t, ok)
	assert.Same(t, s, removed)

	removed, ok = reg.Remove("s1")
	assert.False(t, ok)
	assert.Nil(t, removed)

	_, err = reg.Get("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Nil(t, reg.Lookup("s1"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			_ = reg.Add(newSession(id, "u", 1, events.DefaultLimits))
			_ = reg.IDs()
			reg.Remove(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Count())
}

func TestSessionMarkDeadOnce(t *testing.T) {
	s := newSession("s1", "u1", 1, events.DefaultLimits)
	assert.True(t, s.Alive())
	assert.True(t, s.MarkDead())
	assert.False(t, s.MarkDead())
	assert.False(t, s.Alive())
	assert.False(t, s.Emit(events.Event{Type: "CmdRunAction"}))
}

func TestSessionEmitDropsWhenFull(t *testing.T) {
	s := newSession("s1", "u1", 2, events.Limits{ContentMaxChars: 3, ThoughtMaxChars: 3})

	assert.True(t, s.Emit(events.Event{Type: "CmdRunAction", Content: "first"}))
	assert.True(t, s.Emit(events.Event{Type: "CmdRunAction", Content: "second"}))
	assert.False(t, s.Emit(events.Event{Type: "CmdRunAction", Content: "third"}))

	ev := <-s.Events()
	assert.Equal(t, "fir", ev.Content)
	assert.Equal(t, events.CategoryAction, ev.Category)
	ev = <-s.Events()
	assert.Equal(t, "sec", ev.Content)
}

func TestCreateWithSandbox(t *testing.T) {
	sandboxes := newFakeSandboxes()
	factory := &fakeFactory{}
	mgr, base := newTestManager(t, sandboxes, factory)

	s, err := mgr.Create(context.Background(), CreateRequest{UserID: "u1", Task: "  echo hi  ", ModelProvider: "Google"})
	require.NoError(t, err)

	assert.Equal(t, "echo hi", s.Task)
	assert.Equal(t, "google", s.ModelProvider)
	assert.Equal(t, "c-"+s.ID, s.ContainerID)
	assert.Equal(t, workspace.Dir(base, "u1", s.ID), s.Dir)
	assert.DirExists(t, s.Dir)
	assert.Equal(t, workspace.Sandbox{SessionID: s.ID, Root: "/workspace", Exec: sandboxes}, s.Workspace)
	assert.Equal(t, "c-"+s.ID, factory.lastSpec.ContainerID)
	assert.Equal(t, "server-key", factory.lastSpec.Model.APIKey)

	got, err := mgr.Registry().Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestCreateWithoutSandboxUsesLocalWorkspace(t *testing.T) {
	mgr, _ := newTestManager(t, nil, &fakeFactory{mock: true})

	s, err := mgr.Create(context.Background(), CreateRequest{UserID: "u1", Task: "t"})
	require.NoError(t, err)
	assert.True(t, s.Mock)
	assert.Empty(t, s.ContainerID)
	assert.Equal(t, workspace.Local{Root: s.Dir}, s.Workspace)
}

func TestCreateValidation(t *testing.T) {
	mgr, _ := newTestManager(t, newFakeSandboxes(), &fakeFactory{})
	ctx := context.Background()

	var verr *ValidationError
	_, err := mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "   "})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "task", verr.Field)

	_, err = mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "t", ModelProvider: "openai"})
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, agent.ErrUnsupportedProvider)

	assert.Equal(t, 0, mgr.Registry().Count())
}

func TestCreateRejectsUnsafeUserID(t *testing.T) {
	sandboxes := newFakeSandboxes()
	mgr, base := newTestManager(t, sandboxes, &fakeFactory{})
	ctx := context.Background()

	for _, userID := range []string{"../escaped", "a/b", `a\b`, "..", "."} {
		t.Run(userID, func(t *testing.T) {
			_, err := mgr.Create(ctx, CreateRequest{UserID: userID, Task: "t"})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "user", verr.Field)
		})
	}

	assert.Equal(t, 0, mgr.Registry().Count())
	assert.Equal(t, 0, sandboxes.ActiveCount())
	assert.NoDirExists(t, filepath.Join(filepath.Dir(base), "escaped"))
}

func TestCreateRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("sandbox", func(t *testing.T) {
		sandboxes := newFakeSandboxes()
		sandboxes.createErr = errors.New("daemon unreachable")
		mgr, base := newTestManager(t, sandboxes, &fakeFactory{})

		_, err := mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "t"})
		var perr *ProvisioningError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "sandbox", perr.Step)
		assert.Equal(t, 0, mgr.Registry().Count())

		entries, _ := os.ReadDir(workspace.Dir(base, "u1", ""))
		assert.Empty(t, entries)
	})

	t.Run("runner", func(t *testing.T) {
		sandboxes := newFakeSandboxes()
		mgr, _ := newTestManager(t, sandboxes, &fakeFactory{runnerErr: errors.New("no runner")})

		_, err := mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "t"})
		var perr *ProvisioningError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, 0, sandboxes.ActiveCount())
		assert.Equal(t, 0, mgr.Registry().Count())
	})
}

func TestDestroyIsIdempotent(t *testing.T) {
	sandboxes := newFakeSandboxes()
	factory := &fakeFactory{}
	mgr, _ := newTestManager(t, sandboxes, factory)
	ctx := context.Background()

	s, err := mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "t"})
	require.NoError(t, err)

	require.NoError(t, mgr.Destroy(ctx, s.ID))
	require.NoError(t, mgr.Destroy(ctx, s.ID))

	assert.False(t, s.Alive())
	assert.Equal(t, 1, sandboxes.destroyCount(s.ID))
	assert.Equal(t, 1, factory.runners[0].closed)
	assert.NoDirExists(t, s.Dir)
	assert.Nil(t, mgr.Registry().Lookup(s.ID))
}

func TestDestroyRetainsWorkspace(t *testing.T) {
	mgr, _ := newTestManager(t, nil, &fakeFactory{mock: true})
	mgr.opts.Retain = true

	s, err := mgr.Create(context.Background(), CreateRequest{UserID: "u1", Task: "t"})
	require.NoError(t, err)
	require.NoError(t, mgr.Destroy(context.Background(), s.ID))
	assert.DirExists(t, s.Dir)
}

func TestShutdownDestroysAll(t *testing.T) {
	sandboxes := newFakeSandboxes()
	mgr, _ := newTestManager(t, sandboxes, &fakeFactory{})
	ctx := context.Background()

	// Attached sessions stand in for a connection that tears itself down
	// when cancelled; one session has no connection.
	var tornDown atomic.Int32
	for i := 0; i < 3; i++ {
		s, err := mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "t"})
		require.NoError(t, err)
		s.Attach(func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = mgr.Destroy(context.Background(), s.ID)
				tornDown.Add(1)
				s.Detach()
			}()
		})
	}
	_, err := mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "t"})
	require.NoError(t, err)

	require.NoError(t, mgr.Shutdown(ctx))
	assert.EqualValues(t, 3, tornDown.Load(), "shutdown waits for every connection teardown")
	assert.Equal(t, 0, mgr.Registry().Count())
	assert.Equal(t, 0, sandboxes.ActiveCount())
}

func TestTerminateFallsBackAfterDeadline(t *testing.T) {
	sandboxes := newFakeSandboxes()
	mgr, _ := newTestManager(t, sandboxes, &fakeFactory{})

	s, err := mgr.Create(context.Background(), CreateRequest{UserID: "u1", Task: "t"})
	require.NoError(t, err)
	var cancelled atomic.Bool
	s.Attach(func() { cancelled.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, mgr.Terminate(ctx, s.ID))

	assert.True(t, cancelled.Load())
	assert.Nil(t, mgr.Registry().Lookup(s.ID))
	assert.Equal(t, 1, sandboxes.destroyCount(s.ID))
}

func TestTerminateUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t, nil, &fakeFactory{mock: true})
	assert.NoError(t, mgr.Terminate(context.Background(), "missing"))
}

func TestReapIdle(t *testing.T) {
	sandboxes := newFakeSandboxes()
	mgr, _ := newTestManager(t, sandboxes, &fakeFactory{})
	ctx := context.Background()

	attached, err := mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "t"})
	require.NoError(t, err)
	var connCancelled bool
	attached.Attach(func() { connCancelled = true })

	detached, err := mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "t"})
	require.NoError(t, err)

	fresh, err := mgr.Create(ctx, CreateRequest{UserID: "u1", Task: "t"})
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour).UnixNano()
	attached.lastActive.Store(old)
	detached.lastActive.Store(old)

	assert.Equal(t, 2, mgr.ReapIdle(ctx, time.Hour))
	assert.True(t, connCancelled)
	assert.NotNil(t, mgr.Registry().Lookup(attached.ID), "attached session is torn down by its connection")
	assert.Nil(t, mgr.Registry().Lookup(detached.ID))
	assert.NotNil(t, mgr.Registry().Lookup(fresh.ID))
}

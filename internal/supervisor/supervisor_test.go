package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/session"
	"github.com/agentz/agentz/internal/store"
	"github.com/agentz/agentz/internal/stream"
)

// fakeAdapter is a minimal adapter.Adapter whose behavior the test
// controls: it emits a fixed sequence of events, then returns a fixed
// RunResult once the test signals it to finish.
type fakeAdapter struct {
	events  []adapter.Event
	result  adapter.RunResult
	aborted chan struct{}
	runs    int
}

func newFakeAdapter(events []adapter.Event, result adapter.RunResult) *fakeAdapter {
	return &fakeAdapter{events: events, result: result, aborted: make(chan struct{}, 1)}
}

func (f *fakeAdapter) Run(ctx context.Context, prompt string, sink adapter.Sink) adapter.RunResult {
	f.runs++
	for _, ev := range f.events {
		sink.Emit(ev)
	}
	return f.result
}

func (f *fakeAdapter) Abort() {
	select {
	case f.aborted <- struct{}{}:
	default:
	}
}

func newTestSupervisor(t *testing.T, factories map[session.AgentKind]adapter.Factory) (*Supervisor, *stream.Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	streams, err := stream.Open(stream.Layout{Product: "agentztest", Root: dir}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { streams.Close() })

	snaps, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	sup := New(Config{Concurrency: 2, DefaultModelLimit: 100_000}, Deps{
		Streams:   streams,
		Store:     snaps,
		Factories: factories,
	})
	return sup, streams, snaps
}

func waitForStatus(t *testing.T, sup *Supervisor, id string, want session.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e, ok := sup.get(id)
		if ok {
			if got := e.machine.Status(); got == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	e, _ := sup.get(id)
	t.Fatalf("timed out waiting for session %s to reach status %s, got %s", id, want, e.machine.Status())
}

func TestSpawn_CompletesWithNoTaskReachesIdle(t *testing.T) {
	fa := newFakeAdapter(
		[]adapter.Event{{Kind: adapter.EventOutput, Chunk: session.OutputChunk{Kind: session.ChunkText, Content: "hi"}}},
		adapter.RunResult{Usage: session.TokenUsage{Input: 10, Output: 5}},
	)
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)

	sess, err := sup.Spawn(context.Background(), SpawnRequest{
		AgentKind: session.AgentCLIClaude, Prompt: "do something", WorkingDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	waitForStatus(t, sup, sess.ID, session.StatusIdle)

	e, ok := sup.get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, 1, fa.runs)
	assert.Len(t, e.machine.Session.Output, 1)
}

func TestSpawn_CompletesWithTaskReachesCompleted(t *testing.T) {
	fa := newFakeAdapter(nil, adapter.RunResult{})
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)

	sess, err := sup.Spawn(context.Background(), SpawnRequest{
		AgentKind: session.AgentCLIClaude, Prompt: "do something", WorkingDir: t.TempDir(), TaskPath: "/tmp/doesnotexist.md",
	})
	require.NoError(t, err)

	waitForStatus(t, sup, sess.ID, session.StatusCompleted)
}

func TestSpawn_AdapterErrorReachesFailed(t *testing.T) {
	fa := newFakeAdapter(nil, adapter.RunResult{Err: assertErr{}})
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)

	sess, err := sup.Spawn(context.Background(), SpawnRequest{
		AgentKind: session.AgentCLIClaude, Prompt: "do something", WorkingDir: t.TempDir(),
	})
	require.NoError(t, err)

	waitForStatus(t, sup, sess.ID, session.StatusFailed)

	e, _ := sup.get(sess.ID)
	assert.NotEmpty(t, e.machine.Session.Error)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestSpawn_RejectsEmptyPrompt(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, map[session.AgentKind]adapter.Factory{})
	_, err := sup.Spawn(context.Background(), SpawnRequest{AgentKind: session.AgentCLIClaude, Prompt: "   "})
	require.Error(t, err)
}

func TestSpawn_RejectsUnknownAgentKind(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, map[session.AgentKind]adapter.Factory{})
	_, err := sup.Spawn(context.Background(), SpawnRequest{AgentKind: session.AgentKind("nope"), Prompt: "hi"})
	require.Error(t, err)
}

func TestSpawn_EnforcesConcurrencyCap(t *testing.T) {
	blocking := make(chan struct{})
	fa := &blockingAdapter{release: blocking}
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	dir := t.TempDir()
	streams, err := stream.Open(stream.Layout{Product: "agentztest", Root: dir}, nil)
	require.NoError(t, err)
	defer streams.Close()
	snaps, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer snaps.Close()

	sup := New(Config{Concurrency: 1}, Deps{Streams: streams, Store: snaps, Factories: factories})

	first, err := sup.Spawn(context.Background(), SpawnRequest{AgentKind: session.AgentCLIClaude, Prompt: "first", WorkingDir: dir})
	require.NoError(t, err)

	_, err = sup.Spawn(context.Background(), SpawnRequest{AgentKind: session.AgentCLIClaude, Prompt: "second", WorkingDir: dir})
	require.Error(t, err, "a second spawn beyond the concurrency cap must be rejected")

	close(blocking)
	waitForStatus(t, sup, first.ID, session.StatusIdle)
}

// blockingAdapter never returns from Run until release is closed, used to
// hold a concurrency slot open for the cap test.
type blockingAdapter struct {
	release chan struct{}
}

func (b *blockingAdapter) Run(ctx context.Context, prompt string, sink adapter.Sink) adapter.RunResult {
	<-b.release
	return adapter.RunResult{}
}

func (b *blockingAdapter) Abort() {}

package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/apperr"
	"github.com/agentz/agentz/internal/session"
)

// approvalAdapter blocks in Run until the test explicitly closes finish,
// and implements the optional RespondApproval capability so Approve has
// something to call. RespondApproval only records the decision — it
// does not itself unblock Run — so the test controls exactly when the
// turn completes, independent of however long the backend takes to
// actually act on the approval.
type approvalAdapter struct {
	finish        chan struct{}
	lastApproval  bool
	approvalCalls int
}

func newApprovalAdapter() *approvalAdapter {
	return &approvalAdapter{finish: make(chan struct{})}
}

func (a *approvalAdapter) Run(ctx context.Context, prompt string, sink adapter.Sink) adapter.RunResult {
	sink.Emit(adapter.Event{Kind: adapter.EventWaitingApproval})
	<-a.finish
	return adapter.RunResult{}
}

func (a *approvalAdapter) Abort() {}

func (a *approvalAdapter) RespondApproval(ctx context.Context, approved bool) error {
	a.lastApproval = approved
	a.approvalCalls++
	return nil
}

func spawnIdleSession(t *testing.T, sup *Supervisor, dir string, fa adapter.Adapter) *session.Session {
	t.Helper()
	sess, err := sup.Spawn(context.Background(), SpawnRequest{
		AgentKind: session.AgentCLIClaude, Prompt: "first turn", WorkingDir: dir,
	})
	require.NoError(t, err)
	waitForStatus(t, sup, sess.ID, session.StatusIdle)
	return sess
}

func TestSendMessage_ResumesFromIdle(t *testing.T) {
	fa := newFakeAdapter([]adapter.Event{{Kind: adapter.EventSessionID, BackendSessionID: "backend-sess-1"}}, adapter.RunResult{})
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)
	dir := t.TempDir()
	sess := spawnIdleSession(t, sup, dir, fa)

	require.NoError(t, sup.SendMessage(context.Background(), sess.ID, "follow up", nil))
	waitForStatus(t, sup, sess.ID, session.StatusIdle)

	assert.Equal(t, 2, fa.runs, "resume must re-invoke the same long-lived adapter")
	e, _ := sup.get(sess.ID)
	assert.NotNil(t, e.machine.Session.LastResumedAt, "SendMessage must stamp LastResumedAt with the actual resume time")
}

func TestSendMessage_RejectsEmptyMessage(t *testing.T) {
	fa := newFakeAdapter([]adapter.Event{{Kind: adapter.EventSessionID, BackendSessionID: "backend-sess-1"}}, adapter.RunResult{})
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)
	sess := spawnIdleSession(t, sup, t.TempDir(), fa)

	err := sup.SendMessage(context.Background(), sess.ID, "   ", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

func TestSendMessage_UnknownSessionNotFound(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, map[session.AgentKind]adapter.Factory{})
	err := sup.SendMessage(context.Background(), "does-not-exist", "hi", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSendMessage_RejectedWhileRunning(t *testing.T) {
	blocking := make(chan struct{})
	fa := &blockingAdapter{release: blocking}
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)
	dir := t.TempDir()

	sess, err := sup.Spawn(context.Background(), SpawnRequest{AgentKind: session.AgentCLIClaude, Prompt: "first", WorkingDir: dir})
	require.NoError(t, err)
	waitForStatus(t, sup, sess.ID, session.StatusRunning)

	err = sup.SendMessage(context.Background(), sess.ID, "can't do this now", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindIllegalState))

	close(blocking)
	waitForStatus(t, sup, sess.ID, session.StatusIdle)
}

func TestApprove_RoutesDecisionAndResumesRunning(t *testing.T) {
	aa := newApprovalAdapter()
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return aa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)
	dir := t.TempDir()

	sess, err := sup.Spawn(context.Background(), SpawnRequest{AgentKind: session.AgentCLIClaude, Prompt: "needs approval", WorkingDir: dir})
	require.NoError(t, err)
	waitForStatus(t, sup, sess.ID, session.StatusWaitingApproval)

	require.NoError(t, sup.Approve(context.Background(), sess.ID, true))
	waitForStatus(t, sup, sess.ID, session.StatusRunning)
	assert.Equal(t, 1, aa.approvalCalls)
	assert.True(t, aa.lastApproval)

	close(aa.finish)
	waitForStatus(t, sup, sess.ID, session.StatusIdle)
}

func TestApprove_RejectsWhenNotWaiting(t *testing.T) {
	fa := newFakeAdapter(nil, adapter.RunResult{})
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)
	dir := t.TempDir()
	sess := spawnIdleSession(t, sup, dir, fa)

	err := sup.Approve(context.Background(), sess.ID, true)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindIllegalState))
}

func TestCancel_StopsARunningSessionAndIsIdempotent(t *testing.T) {
	blocking := make(chan struct{})
	fa := &blockingAdapter{release: blocking}
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)
	dir := t.TempDir()

	sess, err := sup.Spawn(context.Background(), SpawnRequest{AgentKind: session.AgentCLIClaude, Prompt: "first", WorkingDir: dir})
	require.NoError(t, err)
	waitForStatus(t, sup, sess.ID, session.StatusRunning)

	ok, err := sup.Cancel(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	e, _ := sup.get(sess.ID)
	assert.Equal(t, session.StatusCancelled, e.machine.Status())

	ok, err = sup.Cancel(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cancelling an already-cancelled session must be a no-op")

	close(blocking)
}

func TestCancel_UnknownSessionNotFound(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, map[session.AgentKind]adapter.Factory{})
	_, err := sup.Cancel(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDelete_RemovesFromLiveRegistry(t *testing.T) {
	fa := newFakeAdapter(nil, adapter.RunResult{})
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)
	dir := t.TempDir()
	sess := spawnIdleSession(t, sup, dir, fa)

	ok, err := sup.Delete(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found := sup.get(sess.ID)
	assert.False(t, found)
}

func TestGet_ReturnsSnapshotCopyNotLiveReference(t *testing.T) {
	fa := newFakeAdapter(nil, adapter.RunResult{})
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) { return fa, nil },
	}
	sup, _, _ := newTestSupervisor(t, factories)
	dir := t.TempDir()
	sess := spawnIdleSession(t, sup, dir, fa)

	snap, ok := sup.Get(sess.ID)
	require.True(t, ok)
	snap.Title = "mutated locally"

	e, _ := sup.get(sess.ID)
	assert.NotEqual(t, "mutated locally", e.machine.Session.Title)
}

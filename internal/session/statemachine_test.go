package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/apperr"
)

func newTestSession() *Session {
	return &Session{ID: "s1", AgentKind: AgentCLIClaude}
}

func TestMachine_HappyPathNoTask(t *testing.T) {
	m := NewMachine(newTestSession())
	assert.Equal(t, StatusPending, m.Status())

	to, err := m.Fire(EventAdapterStarted)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, to)

	to, err = m.Fire(EventCompletedNoTask)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, to)
	assert.NotNil(t, m.Session.CompletedAt)
}

func TestMachine_HappyPathWithTask(t *testing.T) {
	m := NewMachine(newTestSession())
	_, err := m.Fire(EventAdapterStarted)
	require.NoError(t, err)

	to, err := m.Fire(EventCompletedWithTask)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, to)
	assert.NotNil(t, m.Session.CompletedAt)
}

func TestMachine_ResumeClearsCompletedAt(t *testing.T) {
	m := NewMachine(newTestSession())
	_, err := m.Fire(EventAdapterStarted)
	require.NoError(t, err)
	_, err = m.Fire(EventCompletedWithTask)
	require.NoError(t, err)
	require.NotNil(t, m.Session.CompletedAt)

	to, err := m.Fire(EventResumeCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, to)
	assert.Nil(t, m.Session.CompletedAt, "a resumed session is not terminal, CompletedAt must clear")
}

func TestMachine_InvalidTransitionRejected(t *testing.T) {
	m := NewMachine(newTestSession())
	// Can't complete a session that never started running.
	to, err := m.Fire(EventCompletedNoTask)
	require.Error(t, err)
	assert.Equal(t, StatusPending, to, "a rejected Fire must not mutate status")

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindIllegalState, appErr.Kind)
}

func TestMachine_TerminalStatusesHaveNoOutgoingEdges(t *testing.T) {
	for _, ev := range []Event{EventCancel, EventAdapterError, EventWaitingInput, EventWaitingApproval, EventApproveRouted, EventMessageRouted, EventResumeIdle, EventResumeCompleted} {
		m := NewMachine(newTestSession())
		_, err := m.Fire(EventAdapterStarted)
		require.NoError(t, err)
		_, err = m.Fire(EventAdapterError) // -> failed, a terminal status
		require.NoError(t, err)

		_, err = m.Fire(ev)
		assert.Error(t, err, "event %s must be rejected from a terminal status", ev)
	}
}

func TestMachine_Cancel_IdempotentFromTerminal(t *testing.T) {
	m := NewMachine(newTestSession())
	_, err := m.Fire(EventAdapterStarted)
	require.NoError(t, err)
	_, err = m.Fire(EventCompletedNoTask)
	require.NoError(t, err)

	// idle is active (resumable), so the first Cancel from here succeeds...
	ok, err := m.Cancel()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusCancelled, m.Status())

	// ...and a second Cancel against the now-terminal cancelled status is
	// a no-op, not an error.
	ok, err = m.Cancel()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMachine_Cancel_ValidFromEveryActiveStatus(t *testing.T) {
	statuses := []struct {
		name   string
		events []Event
	}{
		{"pending", nil},
		{"running", []Event{EventAdapterStarted}},
		{"waiting_approval", []Event{EventAdapterStarted, EventWaitingApproval}},
		{"waiting_input", []Event{EventAdapterStarted, EventWaitingInput}},
		{"idle", []Event{EventAdapterStarted, EventCompletedNoTask}},
	}
	for _, st := range statuses {
		m := NewMachine(newTestSession())
		for _, ev := range st.events {
			_, err := m.Fire(ev)
			require.NoError(t, err, "setup event %s for %s", ev, st.name)
		}
		ok, err := m.Cancel()
		require.NoError(t, err)
		assert.True(t, ok, "cancel must succeed from %s", st.name)
		assert.Equal(t, StatusCancelled, m.Status())
	}
}

func TestMachine_Cancel_CompletedIsNotCancellable(t *testing.T) {
	// completed (taskPath present) is durable/resumable but has no cancel
	// edge: spec Open Question #3 treats it as distinct from idle.
	m := NewMachine(newTestSession())
	_, err := m.Fire(EventAdapterStarted)
	require.NoError(t, err)
	_, err = m.Fire(EventCompletedWithTask)
	require.NoError(t, err)

	ok, err := m.Cancel()
	require.NoError(t, err)
	assert.False(t, ok, "Cancel treats completed as inactive since Active() excludes it")
}

func TestStatus_ActiveAndTerminal(t *testing.T) {
	active := []Status{StatusPending, StatusRunning, StatusWorking, StatusWaitingApproval, StatusWaitingInput, StatusIdle}
	for _, s := range active {
		assert.True(t, s.Active(), "%s should be active", s)
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.False(t, s.Active(), "%s should not be active", s)
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
}

func TestSession_AppendChunk_MonotonicSeq(t *testing.T) {
	s := newTestSession()
	c1 := s.AppendChunk(OutputChunk{Kind: ChunkText, Content: "a"})
	c2 := s.AppendChunk(OutputChunk{Kind: ChunkText, Content: "b"})
	assert.Equal(t, uint64(1), c1.Seq)
	assert.Equal(t, uint64(2), c2.Seq)
	require.Len(t, s.Output, 2)
	assert.Equal(t, "a", s.Output[0].Content)
}

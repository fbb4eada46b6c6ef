package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentz/agentz/internal/apperr"
)

// Event is a state-machine trigger (spec §4.2's transition table, left
// column collapsed to named events rather than the raw adapter/supervisor
// calls that cause them).
type Event string

const (
	EventAdapterStarted     Event = "adapter_started"
	EventWaitingApproval    Event = "waiting_approval"
	EventWaitingInput       Event = "waiting_input"
	EventApproveRouted      Event = "approve_routed"
	EventMessageRouted      Event = "message_routed"
	EventCompletedWithTask  Event = "completed_with_task"
	EventCompletedNoTask    Event = "completed_no_task"
	EventAdapterError       Event = "adapter_error"
	EventCancel             Event = "cancel"
	EventResumeIdle         Event = "resume_idle"
	EventResumeCompleted    Event = "resume_completed"
)

// Machine wraps a *Session with transition logic and a mutex. One Machine
// per live session; the supervisor's registry map holds Machines.
type Machine struct {
	mu      sync.Mutex
	Session *Session
}

// NewMachine constructs a Machine for a freshly spawned session, already
// in StatusPending.
func NewMachine(s *Session) *Machine {
	s.Status = StatusPending
	return &Machine{Session: s}
}

// transitions maps (fromStatus, event) -> toStatus. Absence means the
// event is invalid from that status.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventAdapterStarted: StatusRunning,
		EventCancel:         StatusCancelled,
	},
	StatusRunning: {
		EventWaitingApproval:   StatusWaitingApproval,
		EventWaitingInput:      StatusWaitingInput,
		EventCompletedWithTask: StatusCompleted,
		EventCompletedNoTask:   StatusIdle,
		EventAdapterError:      StatusFailed,
		EventCancel:            StatusCancelled,
	},
	StatusWorking: {
		EventWaitingApproval:   StatusWaitingApproval,
		EventWaitingInput:      StatusWaitingInput,
		EventCompletedWithTask: StatusCompleted,
		EventCompletedNoTask:   StatusIdle,
		EventAdapterError:      StatusFailed,
		EventCancel:            StatusCancelled,
	},
	StatusWaitingApproval: {
		EventApproveRouted: StatusRunning,
		EventCancel:        StatusCancelled,
	},
	StatusWaitingInput: {
		EventMessageRouted: StatusRunning,
		EventCancel:        StatusCancelled,
	},
	StatusIdle: {
		EventResumeIdle: StatusRunning,
		EventCancel:     StatusCancelled,
	},
	StatusCompleted: {
		EventResumeCompleted: StatusRunning,
	},
}

// Fire applies event to the session's current status, returning the new
// status. It returns an IllegalState error (never mutates) if the edge
// does not exist in the transition graph — this is the enforcement point
// for the spec invariant "no invalid edge ever appears in the registry
// stream".
func (m *Machine) Fire(event Event) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.Session.Status

	// failed/cancelled have no outgoing edges at all (not present as keys
	// in transitions); completed has exactly one (resume). The map lookup
	// below is therefore sufficient to reject cancel-after-terminal etc.
	edges, ok := transitions[from]
	if !ok {
		return from, apperr.New(apperr.KindIllegalState, fmt.Sprintf("no transitions defined from %s", from))
	}
	to, ok := edges[event]
	if !ok {
		return from, apperr.New(apperr.KindIllegalState, fmt.Sprintf("invalid transition %s -> (%s)", from, event))
	}

	m.Session.Status = to
	now := time.Now()
	if to.Terminal() {
		m.Session.CompletedAt = &now
	} else {
		// A non-terminal re-entry (resume) must clear any prior
		// CompletedAt so the invariant "completedAt set iff terminal"
		// holds across a completed->running resume.
		m.Session.CompletedAt = nil
	}
	return to, nil
}

// Cancel is a convenience wrapper: cancel is valid from every active
// status and is idempotent (returns false, no error, if already
// terminal).
func (m *Machine) Cancel() (bool, error) {
	m.mu.Lock()
	from := m.Session.Status
	m.mu.Unlock()

	if !from.Active() {
		return false, nil
	}
	if _, err := m.Fire(EventCancel); err != nil {
		return false, err
	}
	return true, nil
}

// Status returns the current status under lock.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Session.Status
}

// WithLock runs fn while holding the session's mutex, for callers that
// need to read/mutate several fields atomically (e.g. appending a chunk
// and checking status together).
func (m *Machine) WithLock(fn func(s *Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.Session)
}

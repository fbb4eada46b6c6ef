// Package adapter defines the uniform backend adapter contract (spec
// §4.3): every concrete backend — CLI subprocess or in-process SDK loop
// — is driven through this interface so the supervisor and session state
// machine never know which backend they're talking to.
package adapter

import (
	"context"

	"github.com/agentz/agentz/internal/session"
)

// EventKind is one of the six uniform adapter events (spec §4.3).
type EventKind string

const (
	EventOutput          EventKind = "output"
	EventSessionID       EventKind = "session_id"
	EventWaitingApproval EventKind = "waiting_approval"
	EventWaitingInput    EventKind = "waiting_input"
	EventComplete        EventKind = "complete"
	EventError           EventKind = "error"
)

// Event is what an adapter publishes on its event channel. Exactly one
// of the fields matching Kind is populated.
type Event struct {
	Kind EventKind

	Chunk            session.OutputChunk // EventOutput
	BackendSessionID string              // EventSessionID
	Usage            session.TokenUsage  // EventComplete
	ErrorMessage     string              // EventError
}

// Sink is how an adapter emits events. Implementations must not block
// the adapter's own goroutine for long — the supervisor's dispatcher
// fans out to subscribers itself.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// RunResult is returned when a run completes, whether by finishing
// normally, being aborted, or erroring.
type RunResult struct {
	Usage session.TokenUsage
	Err   error
}

// Attachment mirrors session.ImageAttachment; adapters that don't support
// attachments ignore SetAttachments calls.
type Attachment = session.ImageAttachment

// Adapter is the uniform interface every concrete backend implements
// (spec §4.3): run(prompt) -> future, abort(), and an event emitter.
// getMessages/setAttachments are optional capabilities surfaced through
// the MessageExporter/AttachmentSetter interfaces below rather than
// forced onto every adapter.
type Adapter interface {
	// Run starts (or resumes) a turn with prompt, emitting events to
	// sink as they occur, and returns when the turn reaches a terminal
	// state for this run (complete or error) or ctx is cancelled.
	Run(ctx context.Context, prompt string, sink Sink) RunResult

	// Abort requests cooperative cancellation of an in-flight Run.
	// Must be safe to call from any goroutine and safe to call when no
	// run is in-flight.
	Abort()
}

// MessageExporter is implemented by adapters whose native protocol
// supports re-hydration (spec §3: "conversation export for persistence").
type MessageExporter interface {
	GetMessages() []session.ConversationMessage
}

// AttachmentSetter is implemented by the multimodal adapter.
type AttachmentSetter interface {
	SetAttachments(attachments []Attachment)
}

// ApprovalResponder is implemented by adapters that can route a live
// approve()/deny() decision into an in-flight Run (spec §4.1 approve()).
// None of the four concrete adapters keep an interactive channel open
// for this today; the supervisor surfaces "adapter does not support
// approvals" until one does.
type ApprovalResponder interface {
	RespondApproval(ctx context.Context, approved bool) error
}

// InputResponder is the waiting_input analogue of ApprovalResponder.
type InputResponder interface {
	RespondInput(ctx context.Context, text string) error
}

// Factory constructs a fresh Adapter instance for one session.
type Factory func(sessionID string, workingDir string, model string) (Adapter, error)

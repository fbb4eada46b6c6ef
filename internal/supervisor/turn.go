package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/session"
	"github.com/agentz/agentz/internal/stream"
	"github.com/agentz/agentz/internal/taskfile"
)

// runTurn drives one adapter.Run call to completion and applies its
// outcome to the state machine (spec §4.1, §4.2). It is used both for a
// session's first turn (from launch) and for every later sendMessage
// turn (from SendMessage in interaction.go) — the adapter instance is
// long-lived and simply re-invoked, carrying forward whatever history it
// keeps internally (spec §4.3: SDK adapters retain message history; CLI
// adapters resume via a backend session id set through SetResumeID).
//
// The sink only acts on output/session-id/waiting events; complete and
// error are handled once, after Run returns, from its RunResult — Run
// always returns before the adapter emits a terminal event twice, so
// there is no double-handling to guard against.
func (s *Supervisor) runTurn(ctx context.Context, id string, e *entry, prompt string, isResume bool) {
	sink := adapter.SinkFunc(func(ev adapter.Event) {
		s.handleEvent(ctx, id, e, ev)
	})

	result := e.adapter.Run(ctx, prompt, sink)

	e.analyzer.ObserveComplete(result.Usage)
	e.machine.WithLock(func(sess *session.Session) {
		sess.Tokens = result.Usage
	})

	if exporter, ok := e.adapter.(adapter.MessageExporter); ok {
		e.machine.WithLock(func(sess *session.Session) {
			sess.Messages = exporter.GetMessages()
		})
	}

	if isResume {
		s.recordResumeOutcome(e, prompt, result.Err)
	}

	if result.Err != nil {
		s.failSession(ctx, id, e, result.Err.Error())
		return
	}

	s.completeSession(ctx, id, e)
}

// handleEvent applies one adapter event to the running session: output
// chunks are appended and fed to the metadata analyzer and published;
// waiting_approval/waiting_input fire the matching state transition and
// publish the corresponding stream record; session_id is persisted as
// the adapter's backend-native resume handle.
func (s *Supervisor) handleEvent(ctx context.Context, id string, e *entry, ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventOutput:
		var chunk session.OutputChunk
		e.machine.WithLock(func(sess *session.Session) {
			chunk = sess.AppendChunk(ev.Chunk)
		})
		e.analyzer.Observe(chunk)
		if ss := s.sessionStream(id); ss != nil {
			if _, err := ss.Output(ctx, chunk); err != nil {
				s.logger.Warn("failed to publish output chunk", zap.String("session_id", id), zap.Error(err))
			}
		}
		s.persist(id, e)

	case adapter.EventSessionID:
		e.machine.WithLock(func(sess *session.Session) {
			sess.BackendSessionID = ev.BackendSessionID
		})
		if setter, ok := e.adapter.(interface{ SetResumeID(string) }); ok {
			setter.SetResumeID(ev.BackendSessionID)
		}
		if ss := s.sessionStream(id); ss != nil {
			if _, err := ss.CLISessionID(ctx, ev.BackendSessionID); err != nil {
				s.logger.Warn("failed to publish session id", zap.String("session_id", id), zap.Error(err))
			}
		}

	case adapter.EventWaitingApproval:
		if _, err := e.machine.Fire(session.EventWaitingApproval); err != nil {
			s.logger.Warn("ignoring waiting_approval from non-running state", zap.String("session_id", id), zap.Error(err))
			return
		}
		s.publishStatusChange(ctx, id, session.StatusWaitingApproval)
		if ss := s.sessionStream(id); ss != nil {
			if _, err := ss.ApprovalRequest(ctx); err != nil {
				s.logger.Warn("failed to publish approval request", zap.String("session_id", id), zap.Error(err))
			}
		}

	case adapter.EventWaitingInput:
		if _, err := e.machine.Fire(session.EventWaitingInput); err != nil {
			s.logger.Warn("ignoring waiting_input from non-running state", zap.String("session_id", id), zap.Error(err))
			return
		}
		s.publishStatusChange(ctx, id, session.StatusWaitingInput)
		if ss := s.sessionStream(id); ss != nil {
			if _, err := ss.InputRequest(ctx); err != nil {
				s.logger.Warn("failed to publish input request", zap.String("session_id", id), zap.Error(err))
			}
		}

	case adapter.EventComplete, adapter.EventError:
		// Handled once from RunResult after Run returns; see runTurn.
	}
}

// completeSession fires the completed_with_task/completed_no_task edge
// (spec §4.2: whether a taskPath is present decides which terminal
// status — completed is resumable and durable, spec Open Question #3),
// releases the concurrency slot, snapshots, and invokes the review hook
// for Review:/Verify: titled sessions.
func (s *Supervisor) completeSession(ctx context.Context, id string, e *entry) {
	var (
		hasTask bool
		title   string
		sid     string
	)
	e.machine.WithLock(func(sess *session.Session) {
		hasTask = sess.TaskPath != ""
		title = sess.Title
		sid = sess.ID
	})

	event := session.EventCompletedNoTask
	newStatus := session.StatusIdle
	if hasTask {
		event = session.EventCompletedWithTask
		newStatus = session.StatusCompleted
	}

	if _, err := e.machine.Fire(event); err != nil {
		s.logger.Error("illegal completion transition", zap.String("session_id", id), zap.Error(err))
		s.releaseSlot(e)
		return
	}
	s.releaseSlot(e)
	s.publishStatusChange(ctx, id, newStatus)

	meta := metadataMap(e)
	if _, err := s.deps.Streams.Registry().Completed(ctx, stream.CompletedPayload{ID: id, FinalMetadata: meta}); err != nil {
		s.logger.Warn("failed to publish completed", zap.String("session_id", id), zap.Error(err))
	}
	s.persist(id, e)

	if hasTask && taskfile.NeedsReview(title) && s.deps.ReviewHook != nil {
		s.deps.ReviewHook(sid)
	}
}

// failSession fires adapter_error, releases the concurrency slot,
// records the error on the session, and publishes a failed record.
func (s *Supervisor) failSession(ctx context.Context, id string, e *entry, errMsg string) {
	e.machine.WithLock(func(sess *session.Session) {
		sess.Error = errMsg
	})
	if _, err := e.machine.Fire(session.EventAdapterError); err != nil {
		// Already terminal (e.g. concurrent cancel raced us). releaseSlot
		// is idempotent, so still call it in case this path somehow still
		// holds the slot, then stop — the session already published its
		// terminal record once.
		s.logger.Warn("failSession: session already terminal", zap.String("session_id", id), zap.Error(err))
		s.releaseSlot(e)
		return
	}
	s.releaseSlot(e)
	s.publishStatusChange(ctx, id, session.StatusFailed)

	meta := metadataMap(e)
	if _, err := s.deps.Streams.Registry().Failed(ctx, stream.FailedPayload{ID: id, Error: errMsg, FinalMetadata: meta}); err != nil {
		s.logger.Warn("failed to publish failed", zap.String("session_id", id), zap.Error(err))
	}
	s.persist(id, e)
}

// recordResumeOutcome appends a ResumeAttempt for a sendMessage turn
// (spec §3: Session.resumeHistory).
func (s *Supervisor) recordResumeOutcome(e *entry, message string, runErr error) {
	attempt := session.ResumeAttempt{Message: message, Timestamp: time.Now()}
	if runErr != nil {
		attempt.Error = runErr.Error()
	} else {
		attempt.Success = true
	}
	e.machine.WithLock(func(sess *session.Session) {
		sess.ResumeAttempts++
		sess.ResumeHistory = append(sess.ResumeHistory, attempt)
	})
}

// metadataMap adapts the analyzer's snapshot to the map[string]any shape
// the registry stream's terminal payloads carry.
func metadataMap(e *entry) map[string]any {
	m := e.analyzer.Snapshot()
	return map[string]any{
		"textChunks":         m.TextChunks,
		"toolCalls":          m.ToolCalls,
		"editedFiles":        m.EditedFiles,
		"estimatedTokens":    m.EstimatedTokens,
		"utilizationPercent": m.UtilizationPercent,
	}
}

package supervisor

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/apperr"
	"github.com/agentz/agentz/internal/session"
	"github.com/agentz/agentz/internal/stream"
)

// SendMessage routes a follow-up turn into an existing session (spec
// §4.1 sendMessage). Validations run in the spec's strict order: session
// exists; not currently running (pending/running/working/
// waiting_approval reject with IllegalState — only idle, completed
// (resumable) and waiting_input accept a new message); concurrency cap
// not saturated; session is resumable (a CLI backend that requires a
// backend session id to resume must have learned one from a prior run —
// a session recovered without ever reaching session_id can't resume);
// trimmed message non-empty. idle and completed re-acquire the
// concurrency slot they released on their last completion; waiting_input
// never gave its slot up, so it's a pure status transition.
func (s *Supervisor) SendMessage(ctx context.Context, sessionID, message string, attachments []session.ImageAttachment) error {
	e, ok := s.get(sessionID)
	if !ok {
		return apperr.ErrSessionNotFound
	}

	from := e.machine.Status()
	var event session.Event
	needsSlot := false
	switch from {
	case session.StatusIdle:
		event = session.EventResumeIdle
		needsSlot = true
	case session.StatusCompleted:
		event = session.EventResumeCompleted
		needsSlot = true
	case session.StatusWaitingInput:
		event = session.EventMessageRouted
	default:
		return apperr.New(apperr.KindIllegalState, "sendMessage not allowed from status "+string(from))
	}

	if needsSlot {
		if !s.sem.TryAcquire(1) {
			return apperr.ErrCapacityReached
		}
		// The prior cycle's release (idle/completed got here by way of
		// one) already fired before this status could be observed, so
		// rearming here never races that Once.
		e.rearmSlot()
	}

	var kind session.AgentKind
	var backendSessionID string
	e.machine.WithLock(func(sess *session.Session) {
		kind = sess.AgentKind
		backendSessionID = sess.BackendSessionID
	})
	if kind.IsCLI() && backendSessionID == "" {
		if needsSlot {
			s.releaseSlot(e)
		}
		return apperr.New(apperr.KindIllegalState, "session has no backend session id to resume")
	}

	message = strings.TrimSpace(message)
	if message == "" {
		if needsSlot {
			s.releaseSlot(e)
		}
		return apperr.ErrEmptyMessage
	}

	if _, err := e.machine.Fire(event); err != nil {
		if needsSlot {
			s.releaseSlot(e)
		}
		return err
	}

	if e.adapter == nil {
		if err := s.ensureAdapter(e); err != nil {
			if needsSlot {
				s.releaseSlot(e)
			}
			return err
		}
	}

	if setter, ok := e.adapter.(interface {
		SetAttachments([]session.ImageAttachment)
	}); ok && len(attachments) > 0 {
		setter.SetAttachments(attachments)
	}

	e.machine.WithLock(func(sess *session.Session) {
		now := time.Now()
		sess.LastResumedAt = &now
	})
	s.publishStatusChange(ctx, sessionID, session.StatusRunning)

	if s.deps.Tracer != nil {
		spanCtx, span := s.deps.Tracer.StartResume(ctx, sessionID, string(from))
		go func() {
			defer span.End()
			s.runTurn(spanCtx, sessionID, e, message, true)
		}()
		return nil
	}

	go s.runTurn(context.Background(), sessionID, e, message, true)
	return nil
}

// Approve routes an approve()/deny() decision into a waiting_approval
// session (spec §4.1). None of the four concrete adapters implement
// ApprovalResponder today, so this surfaces an explicit "not supported"
// error rather than silently no-op'ing — see DESIGN.md.
func (s *Supervisor) Approve(ctx context.Context, sessionID string, approved bool) error {
	e, ok := s.get(sessionID)
	if !ok {
		return apperr.ErrSessionNotFound
	}
	if e.machine.Status() != session.StatusWaitingApproval {
		return apperr.ErrNotWaitingOnAny
	}
	responder, ok := e.adapter.(interface {
		RespondApproval(ctx context.Context, approved bool) error
	})
	if !ok {
		return apperr.New(apperr.KindInvalidArgument, "adapter does not support approvals")
	}
	if err := responder.RespondApproval(ctx, approved); err != nil {
		return apperr.Wrap(apperr.KindBackendRuntime, "respond approval", err)
	}
	if _, err := e.machine.Fire(session.EventApproveRouted); err != nil {
		return err
	}
	s.publishStatusChange(ctx, sessionID, session.StatusRunning)
	return nil
}

// Cancel requests cooperative cancellation of a session's live run (spec
// §4.1). Idempotent: cancelling an already-terminal session returns
// (false, nil).
func (s *Supervisor) Cancel(ctx context.Context, sessionID string) (bool, error) {
	e, ok := s.get(sessionID)
	if !ok {
		return false, apperr.ErrSessionNotFound
	}

	wasActive, err := e.machine.Cancel()
	if err != nil || !wasActive {
		return wasActive, err
	}

	if e.adapter != nil {
		e.adapter.Abort()
	}
	s.releaseSlot(e)
	s.publishStatusChange(ctx, sessionID, session.StatusCancelled)
	if _, err := s.deps.Streams.Registry().Cancelled(ctx, stream.CancelledPayload{ID: sessionID}); err != nil {
		s.logger.Warn("failed to publish cancelled", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.persist(sessionID, e)
	return true, nil
}

// Delete removes a session from the live registry (spec §4.1): it
// cancels any in-flight run first, then best-effort tears down the
// worktree and snapshot. Stream records are never deleted — they remain
// for audit and for a future reconcile pass to recognize the session as
// gone.
func (s *Supervisor) Delete(ctx context.Context, sessionID string) (bool, error) {
	e, ok := s.get(sessionID)
	if !ok {
		return false, nil
	}

	if e.machine.Status().Active() {
		if _, err := s.Cancel(ctx, sessionID); err != nil {
			s.logger.Warn("cancel during delete failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if s.deps.Worktrees != nil {
		if err := s.deps.Worktrees.Remove(ctx, sessionID); err != nil {
			s.logger.Warn("worktree removal during delete failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Delete(sessionID); err != nil {
			s.logger.Warn("snapshot delete failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if err := s.deps.Streams.CloseSession(sessionID); err != nil {
		s.logger.Warn("session stream close failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return true, nil
}

// Get returns the current Session snapshot, or false if unknown.
func (s *Supervisor) Get(sessionID string) (session.Session, bool) {
	e, ok := s.get(sessionID)
	if !ok {
		return session.Session{}, false
	}
	var out session.Session
	e.machine.WithLock(func(sess *session.Session) {
		out = *sess
	})
	return out, true
}

// Subscribe fans out registry-level lifecycle records (spec §4.4).
// Per-session output is reached through Streams.Session(id) directly.
func (s *Supervisor) Subscribe() (<-chan stream.Record, func()) {
	return s.deps.Streams.Registry().Subscribe()
}

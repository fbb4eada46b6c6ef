package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/metadata"
	"github.com/agentz/agentz/internal/session"
	"github.com/agentz/agentz/internal/stream"
)

// ReconcileReport summarizes one startup reconciliation pass (spec §9
// SUPPLEMENTED FEATURES: a structured startup reconciliation report).
type ReconcileReport struct {
	RegistryRecordsReplayed int
	ActiveAtShutdown        int
	RecoveredAlive          int
	MarkedDeadOnRestart     []string
	OrphanWorktreesRemoved  []string
}

// Reconcile rebuilds the live session registry from durable state after
// a process restart (spec §5's five-step recovery sequence):
//  1. replay the registry stream to learn every session's last-known
//     status;
//  2. for sessions whose status was active at shutdown, load the
//     session-store snapshot as the fast path back to a full Session;
//  3. replay that session's stream tail for its last daemonStarted{pid,
//     nonce} record and probe liveness;
//  4. mark unreachable sessions failed with "daemon died", publishing a
//     failed record rather than silently dropping them;
//  5. sweep orphaned worktrees whose session is no longer live.
//
// Reconcile does not resume any turn itself — a session that comes back
// as idle/completed/waiting_input simply waits for the next sendMessage,
// same as if the process had never restarted.
func (s *Supervisor) Reconcile(ctx context.Context, repoRoots []string) (ReconcileReport, error) {
	var report ReconcileReport

	lastStatus := make(map[string]string)
	if err := s.deps.Streams.Registry().Replay(0, func(r stream.Record) error {
		report.RegistryRecordsReplayed++
		switch r.Kind {
		case stream.KindCreated:
			var p stream.CreatedPayload
			if err := json.Unmarshal(r.Payload, &p); err == nil {
				lastStatus[p.ID] = string(session.StatusPending)
			}
		case stream.KindUpdated:
			var p stream.UpdatedPayload
			if err := json.Unmarshal(r.Payload, &p); err == nil && p.Status != "" {
				lastStatus[p.ID] = p.Status
			}
		case stream.KindCompleted:
			var p stream.CompletedPayload
			if err := json.Unmarshal(r.Payload, &p); err == nil {
				delete(lastStatus, p.ID)
			}
		case stream.KindFailed:
			var p stream.FailedPayload
			if err := json.Unmarshal(r.Payload, &p); err == nil {
				delete(lastStatus, p.ID)
			}
		case stream.KindCancelled:
			var p stream.CancelledPayload
			if err := json.Unmarshal(r.Payload, &p); err == nil {
				delete(lastStatus, p.ID)
			}
		}
		return nil
	}); err != nil {
		return report, fmt.Errorf("supervisor: replay registry: %w", err)
	}

	liveIDs := make(map[string]bool, len(lastStatus))
	for id, statusStr := range lastStatus {
		if !session.Status(statusStr).Active() {
			continue
		}
		report.ActiveAtShutdown++

		snap, err := s.deps.Store.Load(id)
		if err != nil {
			s.logger.Warn("reconcile: no snapshot for active session, marking failed", zap.String("session_id", id), zap.Error(err))
			s.markDeadNoSnapshot(ctx, id, &report)
			continue
		}

		analyzer := metadata.Restore(snap.Session.Metadata, s.cfg.modelLimit(snap.Session.Model))
		s.replayOutputGap(id, snap.Session, analyzer, snap.Offset+1)

		pid, nonce, found := s.lastDaemonStarted(id)
		if found && s.deps.Liveness.Alive(pid, nonce) {
			s.adoptSnapshot(snap.Session, analyzer)
			liveIDs[id] = true
			report.RecoveredAlive++
			if s.deps.Tracer != nil {
				_, span := s.deps.Tracer.StartRecovered(ctx, id, string(snap.Session.Status))
				span.End()
			}
			continue
		}

		s.markDead(ctx, snap.Session, analyzer, &report)
	}

	if s.deps.Worktrees != nil {
		for _, root := range repoRoots {
			removed, err := s.deps.Worktrees.ReconcileOrphans(ctx, root, liveIDs)
			if err != nil {
				s.logger.Warn("reconcile: orphan worktree sweep failed", zap.String("repo_root", root), zap.Error(err))
				continue
			}
			report.OrphanWorktreesRemoved = append(report.OrphanWorktreesRemoved, removed...)
		}
	}

	s.logger.Info("startup reconciliation complete",
		zap.Int("registry_records_replayed", report.RegistryRecordsReplayed),
		zap.Int("active_at_shutdown", report.ActiveAtShutdown),
		zap.Int("recovered_alive", report.RecoveredAlive),
		zap.Int("marked_dead", len(report.MarkedDeadOnRestart)),
		zap.Int("orphan_worktrees_removed", len(report.OrphanWorktreesRemoved)),
	)
	return report, nil
}

// lastDaemonStarted replays a session stream tail for its most recent
// daemon_started record.
func (s *Supervisor) lastDaemonStarted(id string) (pid int, nonce string, found bool) {
	ss, err := s.deps.Streams.Session(id)
	if err != nil {
		return 0, "", false
	}
	_ = ss.Replay(0, func(r stream.Record) error {
		if r.Kind != stream.KindDaemonStarted {
			return nil
		}
		var p stream.DaemonStartedPayload
		if err := json.Unmarshal(r.Payload, &p); err == nil {
			pid, nonce, found = p.PID, p.Nonce, true
		}
		return nil
	})
	return pid, nonce, found
}

// replayOutputGap closes the window between a session's last staged
// snapshot and the moment it stopped appending to its stream: the
// snapshot's Offset records the stream position it reflects, so every
// output record after that is missing from snap.Session.Output (spec
// §4.4/§4.5: the stream, not the snapshot, is canonical). It replays
// those records, splices the recovered chunks onto sess.Output, and
// folds each one into analyzer so derived metadata accounts for them
// too. Called unconditionally (even when no gap exists) because
// RestoreOutput also re-arms the session's sequence counter, which
// never round-trips through the snapshot's JSON encoding.
func (s *Supervisor) replayOutputGap(id string, sess *session.Session, analyzer *metadata.Analyzer, fromOffset uint64) {
	ss, err := s.deps.Streams.Session(id)
	if err != nil {
		s.logger.Warn("reconcile: no session stream to replay output gap from", zap.String("session_id", id), zap.Error(err))
		sess.RestoreOutput(nil)
		return
	}

	var recovered []session.OutputChunk
	if err := ss.Replay(fromOffset, func(r stream.Record) error {
		if r.Kind != stream.KindOutput {
			return nil
		}
		var p stream.OutputPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil
		}
		recovered = append(recovered, p.Chunk)
		analyzer.Observe(p.Chunk)
		return nil
	}); err != nil {
		s.logger.Warn("reconcile: replay output gap failed", zap.String("session_id", id), zap.Error(err))
	}
	sess.RestoreOutput(recovered)
}

// adoptSnapshot registers a recovered session into the live registry
// without an adapter — it has none; the backend process is gone
// (spec §5: "a session recovered without a surviving backend process
// behaves exactly like one that finished naturally, just without a
// RunResult to report").
func (s *Supervisor) adoptSnapshot(sess *session.Session, analyzer *metadata.Analyzer) {
	recoveredStatus := sess.Status
	machine := session.NewMachine(sess) // resets Status to pending; restored below
	machine.WithLock(func(inner *session.Session) {
		inner.Status = recoveredStatus
	})

	// A recovered active session still counts against the concurrency
	// cap (spec §5) — it holds its slot for the rest of its lifetime
	// exactly like one spawned in this process would. If the cap is
	// already exhausted by earlier recoveries, it still gets adopted;
	// the cap is best-effort across a restart, not a hard invariant on
	// a fleet that was already over it going in. See DESIGN.md.
	if !s.sem.TryAcquire(1) {
		s.logger.Warn("reconcile: concurrency cap exhausted while recovering active sessions", zap.String("session_id", sess.ID))
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &entry{
		machine:  machine,
		analyzer: analyzer,
	}
	s.mu.Unlock()
}

// markDead finalizes a recovered-but-unreachable session as failed. The
// state machine requires a non-terminal status with an adapter_error
// edge to fire that event, so a session is forced through running
// first — the transition table allows adapter_error only from running
// and working, and a session with a recorded daemonStarted
// was always at least running. Unlike a live session's terminal path,
// this entry never held a concurrency slot, so its release is
// pre-armed as a no-op before failSession tries to fire it. The entry
// is registered into the live map before failSession runs so the
// failed session stays visible through Get/the registry afterward,
// same as any session that failed without ever restarting.
func (s *Supervisor) markDead(ctx context.Context, sess *session.Session, analyzer *metadata.Analyzer, report *ReconcileReport) {
	machine := session.NewMachine(sess)
	machine.WithLock(func(inner *session.Session) { inner.Status = session.StatusRunning })
	e := &entry{machine: machine, analyzer: analyzer}
	e.slotReleased.Do(func() {})

	s.mu.Lock()
	s.sessions[sess.ID] = e
	s.mu.Unlock()

	s.failSession(ctx, sess.ID, e, "daemon died: process not found on restart")
	report.MarkedDeadOnRestart = append(report.MarkedDeadOnRestart, sess.ID)
}

// markDeadNoSnapshot handles a session the registry stream says was
// active but for which no snapshot exists (e.g. crash before the first
// Stage call) — there's no Session to recover, so only a registry-level
// failed record is published, with no session-stream record to back it.
func (s *Supervisor) markDeadNoSnapshot(ctx context.Context, id string, report *ReconcileReport) {
	if _, err := s.deps.Streams.Registry().Failed(ctx, stream.FailedPayload{ID: id, Error: "daemon died: no snapshot recovered"}); err != nil {
		s.logger.Warn("reconcile: failed to publish failed for snapshot-less session", zap.String("session_id", id), zap.Error(err))
	}
	report.MarkedDeadOnRestart = append(report.MarkedDeadOnRestart, id)
}

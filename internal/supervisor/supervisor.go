// Package supervisor implements the session lifecycle engine's
// supervisor (spec §4.1): it accepts session requests, enforces the
// global concurrency cap, owns the live registry of session state
// machines, and routes control operations (sendMessage, approve, cancel,
// delete) to the right session's adapter.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/apperr"
	"github.com/agentz/agentz/internal/eventbus"
	"github.com/agentz/agentz/internal/ids"
	"github.com/agentz/agentz/internal/logging"
	"github.com/agentz/agentz/internal/metadata"
	"github.com/agentz/agentz/internal/session"
	"github.com/agentz/agentz/internal/store"
	"github.com/agentz/agentz/internal/stream"
	"github.com/agentz/agentz/internal/taskfile"
	"github.com/agentz/agentz/internal/tracing"
	"github.com/agentz/agentz/internal/worktree"
)

// Config controls supervisor-wide policy (spec §4.1, §9 AMBIENT STACK
// config section — the supervisor-specific subset of internal/config).
type Config struct {
	Concurrency       int64 // default 3 (spec §2)
	WorktreeIsolation bool  // DISABLE_WORKTREE_ISOLATION inverted
	DefaultBaseBranch string
	DefaultModelLimit int
	ModelLimits       map[string]int
}

func (c Config) modelLimit(model string) int {
	if c.ModelLimits != nil {
		if n, ok := c.ModelLimits[model]; ok && n > 0 {
			return n
		}
	}
	if c.DefaultModelLimit > 0 {
		return c.DefaultModelLimit
	}
	return 200_000
}

func (c Config) baseBranch() string {
	if c.DefaultBaseBranch != "" {
		return c.DefaultBaseBranch
	}
	return "HEAD"
}

// Deps wires the supervisor to its collaborators. Streams, Store and
// Factories are required; Worktrees, Liveness, ReviewHook and Logger are
// optional (nil-safe defaults apply).
type Deps struct {
	Streams    *stream.Manager
	Store      *store.Store
	Worktrees  *worktree.Manager
	Factories  map[session.AgentKind]adapter.Factory
	Liveness   LivenessProber
	Tracer     *tracing.Tracer
	ReviewHook taskfile.ReviewHook
	Logger     *logging.Logger

	// Bus mirrors registry status changes onto a cross-process event bus
	// (spec §9 DOMAIN STACK). Optional: the stream log on disk remains
	// the durable source of truth regardless of whether Bus is set.
	Bus eventbus.EventBus
}

// entry is everything the supervisor tracks for one live session.
type entry struct {
	machine  *session.Machine
	adapter  adapter.Adapter
	analyzer *metadata.Analyzer
	nonce    string

	// slotReleased guards the concurrency slot this session currently
	// holds: Cancel can race launch/runTurn's own terminal-path release
	// (a cancel arriving while still pending or mid-launch), and without
	// this the semaphore would be released twice for one acquire.
	slotReleased sync.Once
}

// releaseSlot releases the one concurrency slot a session's active
// lifetime holds, exactly once no matter how many code paths think they
// own the release (spec §5's concurrency cap must never drift).
func (s *Supervisor) releaseSlot(e *entry) {
	e.slotReleased.Do(func() { s.sem.Release(1) })
}

// rearmSlot prepares an entry to track a fresh acquire/release cycle
// (spec §4.1 sendMessage resuming idle/completed back to running). Only
// called once the prior cycle's release has already happened — a resume
// is only reachable from idle/completed/waiting_input, all of which
// imply the previous releaseSlot already fired (or, for waiting_input,
// never released at all) — so this never races the Once it replaces.
func (e *entry) rearmSlot() {
	e.slotReleased = sync.Once{}
}

// Supervisor owns the live session registry and the concurrency cap
// (spec §4.1). One Supervisor per process.
type Supervisor struct {
	cfg    Config
	deps   Deps
	sem    *semaphore.Weighted
	logger *logging.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// New constructs a Supervisor. Call Reconcile before accepting traffic
// on an existing filesystem layout (spec §5).
func New(cfg Config, deps Deps) *Supervisor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if deps.Liveness == nil {
		deps.Liveness = DefaultLivenessProber()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		deps:     deps,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		logger:   deps.Logger.WithFields(zap.String("component", "supervisor")),
		sessions: make(map[string]*entry),
	}
}

// SpawnRequest mirrors spec §4.1's spawn(request) fields.
type SpawnRequest struct {
	SessionID      string
	AgentKind      session.AgentKind
	Prompt         string
	WorkingDir     string
	RepositoryPath string // git root for worktree creation; defaults to WorkingDir
	BaseBranch     string
	Model          string
	TaskPath       string
	Title          string
	Attachments    []session.ImageAttachment
}

// Spawn creates a fresh session and launches its first turn
// asynchronously, returning as soon as the session is registered and
// durable in the registry stream (spec §4.1).
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*session.Session, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, apperr.ErrEmptyPrompt
	}
	factory, ok := s.deps.Factories[req.AgentKind]
	if !ok || factory == nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "unknown agent kind: "+string(req.AgentKind))
	}

	if !s.sem.TryAcquire(1) {
		return nil, apperr.ErrCapacityReached
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = ids.NewSessionID()
	}
	workingDir := req.WorkingDir
	if workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workingDir = wd
		}
	}
	repoPath := req.RepositoryPath
	if repoPath == "" {
		repoPath = workingDir
	}

	sess := &session.Session{
		ID:         sessionID,
		AgentKind:  req.AgentKind,
		Prompt:     prompt,
		Title:      req.Title,
		TaskPath:   req.TaskPath,
		WorkingDir: workingDir,
		Model:      req.Model,
		StartedAt:  time.Now(),
	}
	machine := session.NewMachine(sess)
	e := &entry{
		machine:  machine,
		analyzer: metadata.NewAnalyzer(s.cfg.modelLimit(req.Model)),
		nonce:    uuid.New().String(),
	}

	s.mu.Lock()
	s.sessions[sessionID] = e
	s.mu.Unlock()

	if _, err := s.deps.Streams.Registry().Created(ctx, stream.CreatedPayload{
		ID: sessionID, AgentKind: string(req.AgentKind), Prompt: prompt, Title: req.Title,
		TaskPath: req.TaskPath, WorkingDir: workingDir, Model: req.Model, StartedAt: sess.StartedAt,
	}); err != nil {
		s.logger.Warn("failed to publish created event", zap.String("session_id", sessionID), zap.Error(err))
	}

	go s.launch(context.Background(), sessionID, e, factory, repoPath, req.BaseBranch, prompt, req.Attachments)

	return sess, nil
}

// launch runs the async half of Spawn: worktree acquisition (degrade-
// don't-fail), adapter construction, the pending->running transition,
// and the first turn.
func (s *Supervisor) launch(ctx context.Context, id string, e *entry, factory adapter.Factory, repoPath, baseBranch, prompt string, attachments []session.ImageAttachment) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during spawn launch", zap.String("session_id", id), zap.Any("panic", r))
			s.releaseSlot(e)
			s.failSession(ctx, id, e, fmt.Sprintf("panic during launch: %v", r))
		}
	}()

	if s.deps.Tracer != nil {
		spanCtx, span := s.deps.Tracer.StartSession(ctx, id, string(e.machine.Session.AgentKind))
		defer span.End()
		ctx = spanCtx
	}

	effectiveDir := e.machine.Session.WorkingDir
	if s.cfg.WorktreeIsolation && s.deps.Worktrees != nil {
		taskID := taskfile.ExtractTaskID(e.machine.Session.TaskPath)
		branch := baseBranch
		if branch == "" {
			branch = s.cfg.baseBranch()
		}
		wt, err := s.deps.Worktrees.Create(ctx, worktree.CreateRequest{
			SessionID: id, TaskID: taskID, RepositoryPath: repoPath, BaseBranch: branch,
		})
		if err != nil {
			// Degrade, don't fail the spawn (spec §4.1).
			s.logger.Warn("worktree creation failed, running in base directory", zap.String("session_id", id), zap.Error(err))
		} else {
			e.machine.WithLock(func(sess *session.Session) {
				sess.WorktreePath = wt.Path
				sess.Branch = wt.Branch
			})
			effectiveDir = wt.Path
		}
	}

	adp, err := factory(id, effectiveDir, e.machine.Session.Model)
	if err != nil {
		s.releaseSlot(e)
		s.failSession(ctx, id, e, apperr.Wrap(apperr.KindBackendLaunch, "construct adapter", err).Error())
		return
	}
	e.adapter = adp

	if setter, ok := adp.(adapter.AttachmentSetter); ok && len(attachments) > 0 {
		out := make([]adapter.Attachment, len(attachments))
		copy(out, attachments)
		setter.SetAttachments(out)
	}

	if _, err := e.machine.Fire(session.EventAdapterStarted); err != nil {
		s.releaseSlot(e)
		s.logger.Error("illegal spawn transition", zap.String("session_id", id), zap.Error(err))
		return
	}
	s.publishStatusChange(ctx, id, session.StatusRunning)

	ss, err := s.deps.Streams.Session(id)
	if err != nil {
		s.logger.Warn("failed to open session stream", zap.String("session_id", id), zap.Error(err))
	} else if pr, ok := adp.(interface{ PID() (int, bool) }); ok {
		if pid, has := pr.PID(); has {
			_, _ = ss.DaemonStarted(ctx, stream.DaemonStartedPayload{PID: pid, Nonce: e.nonce})
		}
	} else {
		_, _ = ss.DaemonStarted(ctx, stream.DaemonStartedPayload{PID: os.Getpid(), Nonce: e.nonce})
	}

	s.persist(id, e)
	s.runTurn(ctx, id, e, prompt, false)
}

// sessionStream is a small convenience wrapper; errors are logged, not
// propagated, since every call site already has no good recovery beyond
// "the live subscriber misses one record, replay still works".
func (s *Supervisor) sessionStream(id string) *stream.SessionStream {
	ss, err := s.deps.Streams.Session(id)
	if err != nil {
		s.logger.Warn("session stream unavailable", zap.String("session_id", id), zap.Error(err))
		return nil
	}
	return ss
}

func (s *Supervisor) publishStatusChange(ctx context.Context, id string, status session.Status) {
	if ss := s.sessionStream(id); ss != nil {
		if _, err := ss.StatusChange(ctx, stream.StatusChangePayload{NewStatus: string(status)}); err != nil {
			s.logger.Warn("failed to publish status change", zap.String("session_id", id), zap.Error(err))
		}
	}
	if _, err := s.deps.Streams.Registry().Updated(ctx, stream.UpdatedPayload{ID: id, Status: string(status)}); err != nil {
		s.logger.Warn("failed to publish registry update", zap.String("session_id", id), zap.Error(err))
	}
	if s.deps.Bus != nil {
		ev := eventbus.NewEvent("status_change", "agentz-supervisor", map[string]interface{}{
			"sessionId": id,
			"status":    string(status),
		})
		if err := s.deps.Bus.Publish(ctx, eventbus.SessionSubject(id), ev); err != nil {
			s.logger.Warn("failed to mirror status change onto event bus", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// persist stages a snapshot flush for a session's current state.
func (s *Supervisor) persist(id string, e *entry) {
	if s.deps.Store == nil {
		return
	}
	e.machine.WithLock(func(sess *session.Session) {
		sess.Metadata = e.analyzer.Snapshot()
	})
	var offset uint64
	if ss := s.sessionStream(id); ss != nil {
		offset = ss.Offset()
	}
	s.deps.Store.Stage(e.machine.Session, offset, 1)
}

// get returns the entry for id under lock, or (nil, false).
func (s *Supervisor) get(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	return e, ok
}

// ensureAdapter constructs a fresh adapter instance for a session that
// was recovered from a snapshot without one (spec §5: a session
// survives a supervisor restart, but its backend process does not —
// resuming it means building a new adapter, not reattaching to the old
// one). A CLI adapter picks resume back up via the backend-native
// session id persisted on the Session; an SDK adapter starts with empty
// in-memory history and relies on GetMessages/conversation export
// having already captured anything worth keeping before the restart.
func (s *Supervisor) ensureAdapter(e *entry) error {
	sess := e.machine.Session
	factory, ok := s.deps.Factories[sess.AgentKind]
	if !ok || factory == nil {
		return apperr.New(apperr.KindInvalidArgument, "unknown agent kind: "+string(sess.AgentKind))
	}
	dir := sess.WorkingDir
	if sess.WorktreePath != "" {
		dir = sess.WorktreePath
	}
	adp, err := factory(sess.ID, dir, sess.Model)
	if err != nil {
		return apperr.Wrap(apperr.KindBackendLaunch, "reconstruct adapter for resume", err)
	}
	if sess.BackendSessionID != "" {
		if setter, ok := adp.(interface{ SetResumeID(string) }); ok {
			setter.SetResumeID(sess.BackendSessionID)
		}
	}
	e.adapter = adp
	return nil
}

// Close stages a snapshot of every tracked session with the store; the
// files are written when the store's flush timer fires or the store is
// closed. It does not cancel in-flight adapters; callers that want a graceful
// drain should Cancel each active session first.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	entries := make(map[string]*entry, len(s.sessions))
	for id, e := range s.sessions {
		entries[id] = e
	}
	s.mu.Unlock()

	for id, e := range entries {
		s.persist(id, e)
	}
	return nil
}

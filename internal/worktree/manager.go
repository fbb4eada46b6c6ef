package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/logging"
)

// Manager creates and destroys per-session git worktrees (spec §4.6).
type Manager struct {
	cfg    Config
	logger *logging.Logger
	store  Store

	baseDirFor func(repoRoot string) string // `<repo>/.<product>/worktrees`

	mu        sync.RWMutex
	bySession map[string]*Worktree // sessionID -> worktree (cache)
	byTask    map[string]*Worktree // taskID -> worktree (cache, shared worktrees)

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager constructs a Manager. store may be nil (cache-only mode).
func NewManager(cfg Config, store Store, logger *logging.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.WithFields(zap.String("component", "worktree-manager")),
		store:     store,
		bySession: make(map[string]*Worktree),
		byTask:    make(map[string]*Worktree),
		repoLocks: make(map[string]*sync.Mutex),
		baseDirFor: func(repoRoot string) string {
			return filepath.Join(repoRoot, "."+cfg.Product, "worktrees")
		},
	}, nil
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// CreateRequest describes the worktree a session needs.
type CreateRequest struct {
	SessionID      string
	TaskID         string // non-empty enables task-scoped sharing (spec §4.6)
	RepositoryPath string
	BaseBranch     string
}

var branchNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*[A-Za-z0-9]$`)

func validateBranchName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasSuffix(name, "/") ||
		strings.Contains(name, "//") || !branchNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidBranchName, name)
	}
	return nil
}

// Create creates (or reuses, for task-scoped sharing) a worktree for a
// session. On any failure the caller (supervisor) falls back to running
// in the session's working directory — worktree creation failure never fails the
// spawn itself (spec §4.1).
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if req.SessionID == "" || req.RepositoryPath == "" || req.BaseBranch == "" {
		return nil, fmt.Errorf("worktree: session id, repository path and base branch are required")
	}

	// Task-scoped sharing: if a worktree already exists for this taskID,
	// hand it back unchanged so sequential plan/implement/verify sessions
	// accumulate on one branch.
	if req.TaskID != "" {
		if existing, err := m.GetByTaskID(ctx, req.TaskID); err == nil && existing != nil {
			if m.IsValid(existing.Path) {
				m.logger.Info("reusing task-scoped worktree", zap.String("task_id", req.TaskID), zap.String("path", existing.Path))
				m.cache(req.SessionID, req.TaskID, existing)
				return existing, nil
			}
		}
	}

	if !m.isGitRepo(req.RepositoryPath) {
		return nil, ErrRepoNotGit
	}
	if !m.branchExists(req.RepositoryPath, req.BaseBranch) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, req.BaseBranch)
	}

	branchName := m.cfg.BranchName(req.SessionID)
	if err := validateBranchName(branchName); err != nil {
		return nil, err
	}

	repoLock := m.getRepoLock(req.RepositoryPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	// Orphan from a previous crash: delete the branch first if present.
	if m.branchExists(req.RepositoryPath, branchName) {
		m.logger.Warn("branch already exists, deleting before recreate", zap.String("branch", branchName))
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", branchName)
		cmd.Dir = req.RepositoryPath
		_ = cmd.Run()
	}

	worktreePath := filepath.Join(m.baseDirFor(req.RepositoryPath), req.SessionID)
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return nil, fmt.Errorf("worktree: create base dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branchName, worktreePath, req.BaseBranch)
	cmd.Dir = req.RepositoryPath
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed", zap.String("output", string(out)), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, string(out))
	}

	now := time.Now()
	wt := &Worktree{
		ID:             uuid.New().String(),
		SessionID:      req.SessionID,
		TaskID:         req.TaskID,
		RepositoryPath: req.RepositoryPath,
		Path:           worktreePath,
		Branch:         branchName,
		BaseBranch:     req.BaseBranch,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if m.store != nil {
		if err := m.store.Create(ctx, wt); err != nil {
			m.removeWorktreeDir(ctx, worktreePath, req.RepositoryPath)
			return nil, fmt.Errorf("worktree: persist: %w", err)
		}
	}

	m.cache(req.SessionID, req.TaskID, wt)
	m.logger.Info("created worktree", zap.String("session_id", req.SessionID), zap.String("path", worktreePath), zap.String("branch", branchName))
	return wt, nil
}

func (m *Manager) cache(sessionID, taskID string, wt *Worktree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySession[sessionID] = wt
	if taskID != "" {
		m.byTask[taskID] = wt
	}
}

// GetBySessionID returns the worktree owned by a session, if any.
func (m *Manager) GetBySessionID(ctx context.Context, sessionID string) (*Worktree, error) {
	m.mu.RLock()
	if wt, ok := m.bySession[sessionID]; ok {
		m.mu.RUnlock()
		return wt, nil
	}
	m.mu.RUnlock()

	if m.store == nil {
		return nil, ErrNotFound
	}
	wt, err := m.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.cache(sessionID, wt.TaskID, wt)
	return wt, nil
}

// GetByTaskID returns the shared worktree for a taskID, if any.
func (m *Manager) GetByTaskID(ctx context.Context, taskID string) (*Worktree, error) {
	m.mu.RLock()
	if wt, ok := m.byTask[taskID]; ok {
		m.mu.RUnlock()
		return wt, nil
	}
	m.mu.RUnlock()

	if m.store == nil {
		return nil, ErrNotFound
	}
	wt, err := m.store.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	m.cache(wt.SessionID, taskID, wt)
	return wt, nil
}

// IsValid checks a worktree directory still looks like a real worktree.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// Remove deletes a session's worktree directory and branch. Safe to call
// when the worktree is shared with other sessions via TaskID: the
// directory and branch are only removed when no other session still
// references the same worktree.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	wt, err := m.GetBySessionID(ctx, sessionID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	for other, owt := range m.bySession {
		if other != sessionID && owt.Path == wt.Path {
			delete(m.bySession, sessionID)
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Unlock()

	repoLock := m.getRepoLock(wt.RepositoryPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	if err := m.removeWorktreeDir(ctx, wt.Path, wt.RepositoryPath); err != nil {
		m.logger.Warn("failed to remove worktree directory", zap.String("path", wt.Path), zap.Error(err))
	}
	cmd := exec.CommandContext(ctx, "git", "branch", "-D", wt.Branch)
	cmd.Dir = wt.RepositoryPath
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("failed to delete branch", zap.String("branch", wt.Branch), zap.String("output", string(out)))
	}

	if m.store != nil {
		now := time.Now()
		wt.Status = StatusDeleted
		wt.DeletedAt = &now
		wt.UpdatedAt = now
		if err := m.store.Update(ctx, wt); err != nil {
			m.logger.Warn("failed to mark worktree deleted", zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.bySession, sessionID)
	if wt.TaskID != "" {
		delete(m.byTask, wt.TaskID)
	}
	m.mu.Unlock()

	m.logger.Info("removed worktree", zap.String("session_id", sessionID), zap.String("path", wt.Path))
	return nil
}

func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm", zap.String("output", string(out)))
		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = repoPath
		_ = prune.Run()
	}
	return nil
}

func (m *Manager) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// ReconcileOrphans scans `<repo>/.<product>/worktrees/*` and deletes any
// directory whose session id is not in liveSessionIDs (spec §4.6,
// startup recovery).
func (m *Manager) ReconcileOrphans(ctx context.Context, repoRoot string, liveSessionIDs map[string]bool) (removed []string, err error) {
	base := m.baseDirFor(repoRoot)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("worktree: read worktrees dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sessionID := e.Name()
		if liveSessionIDs[sessionID] {
			continue
		}
		path := filepath.Join(base, sessionID)
		m.logger.Info("cleaning up orphaned worktree", zap.String("session_id", sessionID), zap.String("path", path))
		if err := m.removeWorktreeDir(ctx, path, repoRoot); err != nil {
			m.logger.Warn("failed to remove orphaned worktree", zap.String("path", path), zap.Error(err))
			continue
		}
		removed = append(removed, sessionID)
	}
	return removed, nil
}

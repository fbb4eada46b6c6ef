// Package worktree implements per-session git isolation (spec §4.6): a
// dedicated worktree directory on a dedicated branch per session, with
// task-scoped sharing and orphan cleanup on startup.
package worktree

import (
	"errors"
	"time"
)

// Status is a worktree record's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Worktree is the persisted record for one isolated checkout (spec §3).
type Worktree struct {
	ID             string
	SessionID      string // session that created it; sessions sharing it by TaskID reuse this record unchanged
	TaskID         string // taskId it is shared under; empty when the creating session had none
	RepositoryPath string
	Path           string
	Branch         string
	BaseBranch     string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

var (
	ErrRepoNotGit        = errors.New("worktree: repository path is not a git repository")
	ErrInvalidBaseBranch = errors.New("worktree: base branch does not exist")
	ErrGitCommandFailed  = errors.New("worktree: git command failed")
	ErrNotFound          = errors.New("worktree: not found")
	ErrInvalidBranchName = errors.New("worktree: invalid branch name")
)

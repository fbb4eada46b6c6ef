package worktree

import "context"

// Store is the interface for worktree persistence. A nil Store is valid
// — the Manager then tracks worktrees purely in its in-memory cache,
// which is fine for a single process lifetime but loses the task-sharing
// lookup across restarts.
type Store interface {
	Create(ctx context.Context, wt *Worktree) error
	GetBySessionID(ctx context.Context, sessionID string) (*Worktree, error)
	GetByTaskID(ctx context.Context, taskID string) (*Worktree, error)
	ListActive(ctx context.Context) ([]*Worktree, error)
	Update(ctx context.Context, wt *Worktree) error
	Delete(ctx context.Context, id string) error
}

package worktree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteStore persists worktree records to a local sqlite database,
// mirroring the teacher's prompts/worktree sqlite repositories, with a
// single *sqlx.DB rather than a writer/reader pair; the schema is created
// on open.
type sqliteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if necessary) a sqlite-backed Store at
// path.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("worktree: open sqlite store: %w", err)
	}
	s := &sqliteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		repository_path TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_worktrees_task_id ON worktrees(task_id);
	CREATE INDEX IF NOT EXISTS idx_worktrees_session_id ON worktrees(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

type worktreeRow struct {
	ID             string     `db:"id"`
	SessionID      string     `db:"session_id"`
	TaskID         string     `db:"task_id"`
	RepositoryPath string     `db:"repository_path"`
	Path           string     `db:"path"`
	Branch         string     `db:"branch"`
	BaseBranch     string     `db:"base_branch"`
	Status         string     `db:"status"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	DeletedAt      *time.Time `db:"deleted_at"`
}

func (r worktreeRow) toWorktree() *Worktree {
	return &Worktree{
		ID:             r.ID,
		SessionID:      r.SessionID,
		TaskID:         r.TaskID,
		RepositoryPath: r.RepositoryPath,
		Path:           r.Path,
		Branch:         r.Branch,
		BaseBranch:     r.BaseBranch,
		Status:         Status(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		DeletedAt:      r.DeletedAt,
	}
}

func (s *sqliteStore) Create(ctx context.Context, wt *Worktree) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, session_id, task_id, repository_path, path, branch, base_branch, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wt.ID, wt.SessionID, wt.TaskID, wt.RepositoryPath, wt.Path, wt.Branch, wt.BaseBranch, wt.Status, wt.CreatedAt, wt.UpdatedAt)
	return err
}

func (s *sqliteStore) GetBySessionID(ctx context.Context, sessionID string) (*Worktree, error) {
	var row worktreeRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM worktrees WHERE session_id = ? AND status = 'active' LIMIT 1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toWorktree(), nil
}

func (s *sqliteStore) GetByTaskID(ctx context.Context, taskID string) (*Worktree, error) {
	var row worktreeRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM worktrees WHERE task_id = ? AND status = 'active' LIMIT 1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toWorktree(), nil
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]*Worktree, error) {
	var rows []worktreeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM worktrees WHERE status = 'active'`); err != nil {
		return nil, err
	}
	out := make([]*Worktree, len(rows))
	for i, r := range rows {
		out[i] = r.toWorktree()
	}
	return out, nil
}

func (s *sqliteStore) Update(ctx context.Context, wt *Worktree) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worktrees SET status = ?, updated_at = ?, deleted_at = ? WHERE id = ?`,
		wt.Status, wt.UpdatedAt, wt.DeletedAt, wt.ID)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	return err
}

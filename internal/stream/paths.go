package stream

import "path/filepath"

// Layout resolves the on-disk filesystem layout under a repo root (spec
// §6): `.<product>/streams/registry.log` and
// `.<product>/streams/sessions/<sessionId>.log`.
type Layout struct {
	Product string // e.g. "agentz"
	Root    string // repo root the core writes under
}

func (l Layout) productDir() string {
	return filepath.Join(l.Root, "."+l.Product)
}

func (l Layout) RegistryPath() string {
	return filepath.Join(l.productDir(), "streams", "registry.log")
}

func (l Layout) SessionPath(sessionID string) string {
	return filepath.Join(l.productDir(), "streams", "sessions", sessionID+".log")
}

func (l Layout) SnapshotPath() string {
	return filepath.Join(l.productDir(), "sessions.json")
}

func (l Layout) WorktreesDir() string {
	return filepath.Join(l.productDir(), "worktrees")
}

func (l Layout) WorktreePath(sessionID string) string {
	return filepath.Join(l.WorktreesDir(), sessionID)
}

func (l Layout) BranchName(sessionID string) string {
	return l.Product + "/session-" + sessionID
}

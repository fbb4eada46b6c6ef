package worktree

import (
	"fmt"
	"os"
)

// Config controls worktree isolation behavior.
type Config struct {
	// Enabled mirrors DISABLE_WORKTREE_ISOLATION=true being absent/false.
	Enabled bool
	// Product is the fixed product-specific branch-prefix token, e.g.
	// "agentz" (spec §3 invariant: branch == "<prefix>/session-<id>").
	Product string
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if c.Product == "" {
		return fmt.Errorf("worktree: product token must not be empty")
	}
	return nil
}

// EnabledFromEnv applies the DISABLE_WORKTREE_ISOLATION env var override
// on top of a base "enabled" setting (spec §6).
func EnabledFromEnv(base bool) bool {
	if os.Getenv("DISABLE_WORKTREE_ISOLATION") == "true" {
		return false
	}
	return base
}

// BranchName returns the fixed-format branch name for a session.
func (c Config) BranchName(sessionID string) string {
	return c.Product + "/session-" + sessionID
}

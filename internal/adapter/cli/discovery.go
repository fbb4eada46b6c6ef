package cli

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/agentz/agentz/internal/apperr"
)

func conventionalPaths(bin string) []string {
	home, _ := os.UserHomeDir()
	switch bin {
	case "claude":
		return []string{"/usr/local/bin/claude", filepath.Join(home, ".claude", "local", "claude"), filepath.Join(home, ".local", "bin", "claude")}
	case "codex":
		return []string{"/usr/local/bin/codex", filepath.Join(home, ".local", "bin", "codex")}
	case "opencode":
		return []string{"/usr/local/bin/opencode", filepath.Join(home, ".opencode", "bin", "opencode")}
	default:
		return nil
	}
}

// Discover resolves bin to an absolute executable path, probing PATH
// first and then the product's conventional install locations (spec §6
// "Discovery").
func Discover(bin string) (string, error) {
	if path, err := exec.LookPath(bin); err == nil {
		return path, nil
	}
	for _, candidate := range conventionalPaths(bin) {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", apperr.New(apperr.KindBackendLaunch, "binary not found: "+bin)
}

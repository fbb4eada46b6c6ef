package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/worktree"
)

var gcRepoRoot string

var gcWorktreesCmd = &cobra.Command{
	Use:   "gc-worktrees",
	Short: "Remove worktrees whose session is no longer live",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		root := gcRepoRoot
		if root == "" {
			root, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("determine working directory: %w", err)
			}
		}

		storeDir := expandHome("~/.agentz/store")
		sqlitePath := filepath.Join(storeDir, "worktrees.db")
		wtStore, err := worktree.NewSQLiteStore(sqlitePath)
		if err != nil {
			return fmt.Errorf("open worktree store: %w", err)
		}
		manager, err := worktree.NewManager(worktree.Config{Enabled: true, Product: "agentz"}, wtStore, log)
		if err != nil {
			return fmt.Errorf("construct worktree manager: %w", err)
		}

		// No live supervisor is running here, so every tracked session is
		// by definition not live for the purposes of this standalone sweep.
		removed, err := manager.ReconcileOrphans(context.Background(), root, map[string]bool{})
		if err != nil {
			return fmt.Errorf("reconcile orphan worktrees: %w", err)
		}
		log.Info("gc-worktrees complete", zap.Int("removed", len(removed)), zap.Strings("sessions", removed))
		for _, id := range removed {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	gcWorktreesCmd.Flags().StringVar(&gcRepoRoot, "repo-root", "", "repository root to sweep (default: cwd)")
}

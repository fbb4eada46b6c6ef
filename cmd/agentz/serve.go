package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/eventbus"
	"github.com/agentz/agentz/internal/store"
	"github.com/agentz/agentz/internal/stream"
	"github.com/agentz/agentz/internal/supervisor"
	"github.com/agentz/agentz/internal/tracing"
	"github.com/agentz/agentz/internal/worktree"
)

var repoRoots []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor, reconciling state from the last run first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		if len(repoRoots) == 0 {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determine working directory: %w", err)
			}
			repoRoots = []string{wd}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		layout := stream.Layout{Product: "agentz", Root: repoRoots[0]}
		streams, err := stream.Open(layout, log)
		if err != nil {
			return fmt.Errorf("open event streams: %w", err)
		}
		defer streams.Close()

		storeDir := expandHome(cfg.Store.Dir)
		snapshots, err := store.Open(storeDir, log)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}

		var wtManager *worktree.Manager
		sqlitePath := filepath.Join(storeDir, "worktrees.db")
		wtStore, err := worktree.NewSQLiteStore(sqlitePath)
		if err != nil {
			log.Warn("failed to open worktree store, worktree isolation disabled", zap.Error(err))
		} else {
			wtManager, err = worktree.NewManager(worktree.Config{
				Enabled: cfg.Supervisor.WorktreeIsolation,
				Product: cfg.Worktree.Product,
			}, wtStore, log)
			if err != nil {
				log.Warn("failed to construct worktree manager, worktree isolation disabled", zap.Error(err))
				wtManager = nil
			}
		}

		var bus eventbus.EventBus
		if cfg.NATS.URL != "" {
			natsBus, err := eventbus.NewNATSBus(eventbus.NATSConfig{
				URL: cfg.NATS.URL, ClientID: cfg.NATS.ClientID, MaxReconnects: cfg.NATS.MaxReconnects,
			}, log)
			if err != nil {
				log.Warn("failed to connect to nats, falling back to in-memory event bus", zap.Error(err))
				bus = eventbus.NewMemoryBus(log)
			} else {
				bus = natsBus
				defer natsBus.Close()
			}
		} else {
			bus = eventbus.NewMemoryBus(log)
		}

		tracer := tracing.New()

		sup := supervisor.New(supervisor.Config{
			Concurrency:       cfg.Supervisor.Concurrency,
			WorktreeIsolation: cfg.Supervisor.WorktreeIsolation,
			DefaultBaseBranch: cfg.Supervisor.DefaultBaseBranch,
			DefaultModelLimit: cfg.Supervisor.DefaultModelLimit,
			ModelLimits:       cfg.Supervisor.ModelLimits,
		}, supervisor.Deps{
			Streams:   streams,
			Store:     snapshots,
			Worktrees: wtManager,
			Factories: buildFactories(log),
			Tracer:    tracer,
			Logger:    log,
			Bus:       bus,
		})

		report, err := sup.Reconcile(ctx, repoRoots)
		if err != nil {
			return fmt.Errorf("startup reconciliation: %w", err)
		}
		log.Info("reconciliation complete",
			zap.Int("recovered_alive", report.RecoveredAlive),
			zap.Int("marked_dead", len(report.MarkedDeadOnRestart)),
			zap.Int("orphan_worktrees_removed", len(report.OrphanWorktreesRemoved)),
		)

		log.Info("agentz supervisor ready", zap.String("addr", cfg.Server.Addr()))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down, flushing session snapshots")
		if err := sup.Close(); err != nil {
			log.Warn("supervisor close reported an error", zap.Error(err))
		}
		if err := tracing.Shutdown(ctx); err != nil {
			log.Warn("tracer shutdown reported an error", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&repoRoots, "repo-root", nil, "repository root(s) to reconcile worktrees under (default: cwd)")
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

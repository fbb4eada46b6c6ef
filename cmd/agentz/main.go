// Command agentz runs the session lifecycle supervisor (spec §4.1): a
// long-lived daemon that accepts spawn/sendMessage/approve/cancel/delete
// calls and drives one of four backend adapters per session.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentz/agentz/internal/config"
	"github.com/agentz/agentz/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentz",
	Short: "Multi-agent coding session supervisor",
	Long: `agentz accepts session requests against any of four backend
adapter kinds (CLI-driven Claude/Codex/Opencode, SDK chat, SDK
multimodal, SDK MCP), enforces a global concurrency cap, and persists
every lifecycle transition to an append-only event log for recovery
across restarts.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory to search for config.yaml (in addition to cwd and /etc/agentz/)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(gcWorktreesCmd)
}

func loadConfigAndLogger() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	level := cfg.Logging.Level
	if config.Debug() {
		level = "debug"
	}
	log, err := logging.New(logging.Config{Level: level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	logging.SetDefault(log)
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

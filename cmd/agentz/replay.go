package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentz/agentz/internal/stream"
)

var replaySessionID string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Print every record in the registry stream, or one session's stream, as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		layout := stream.Layout{Product: "agentz", Root: wd}
		manager, err := stream.Open(layout, log)
		if err != nil {
			return fmt.Errorf("open event streams: %w", err)
		}
		defer manager.Close()

		print := func(r stream.Record) error {
			enc := json.NewEncoder(os.Stdout)
			return enc.Encode(r)
		}

		if replaySessionID != "" {
			ss, err := manager.Session(replaySessionID)
			if err != nil {
				return fmt.Errorf("open session stream: %w", err)
			}
			return ss.Replay(0, print)
		}
		return manager.Registry().Replay(0, print)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySessionID, "session", "", "replay one session's stream instead of the registry")
}

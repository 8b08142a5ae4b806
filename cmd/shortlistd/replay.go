package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knoguchi/shortlist/internal/config"
	"github.com/knoguchi/shortlist/internal/feedback"
)

func newReplayCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the feedback counters from the event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				dir = cfg.FeedbackDir
			}

			fs, err := feedback.OpenFileStore(dir)
			if err != nil {
				return fmt.Errorf("failed to open feedback store: %w", err)
			}
			defer closeQuietly(fs)

			res, err := fs.Rebuild()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events (%d skipped), %d topics, %d docs, %d routes\n",
				res.Events, res.Skipped, len(res.Counters.Topics), len(res.Counters.Docs), len(res.Counters.Routes))
			return err
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "feedback directory (defaults to FEEDBACK_DIR)")
	return cmd
}

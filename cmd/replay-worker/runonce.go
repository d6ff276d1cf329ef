package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/privacy-replay/internal/replay"
)

func newRunOnceCommand(root *rootOptions) *cobra.Command {
	var noJobDelay time.Duration

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Claim and advance at most one replay job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openStores(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.buildWorker(ctx); err != nil {
				return err
			}

			outcome, err := a.worker.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outcome)

			if outcome == replay.OutcomeNoJob && noJobDelay > 0 {
				t := time.NewTimer(noJobDelay)
				defer t.Stop()
				select {
				case <-ctx.Done():
				case <-t.C:
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&noJobDelay, "no-job-delay", 0, "wait this long before exiting when no job was due")
	return cmd
}

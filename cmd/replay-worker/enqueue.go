package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/privacy-replay/internal/request"
)

type enqueueOptions struct {
	from, to     string
	assetGroups  []string
	exportGroups []string
	subjectType  string
}

func newEnqueueCommand(root *rootOptions) *cobra.Command {
	opts := &enqueueOptions{}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Schedule replay jobs for a range of days",
		Example: `  replay-worker enqueue --from 2024-01-01 --to 2024-01-03 --asset-group ag-1
  replay-worker enqueue --from 2024-01-01 --to 2024-01-01 --export-asset-group ag-2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			from, err := time.Parse(time.DateOnly, opts.from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			to, err := time.Parse(time.DateOnly, opts.to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			a, err := openStores(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := request.NewService(a.jobs, root.cfg.Request.MaxReplayDays).ReplayByDates(ctx, request.Request{
				Start:               from,
				End:                 to,
				AssetGroupIDs:       opts.assetGroups,
				ExportAssetGroupIDs: opts.exportGroups,
				SubjectType:         opts.subjectType,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created=%d merged=%d unchanged=%d\n", len(res.Created), len(res.Merged), len(res.Unchanged))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.from, "from", "", "first day to replay (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.to, "to", "", "last day to replay (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&opts.assetGroups, "asset-group", nil, "asset group to replay deletes and account closes to")
	cmd.Flags().StringSliceVar(&opts.exportGroups, "export-asset-group", nil, "asset group to replay exports to")
	cmd.Flags().StringVar(&opts.subjectType, "subject-type", "", "only replay commands of this subject type")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

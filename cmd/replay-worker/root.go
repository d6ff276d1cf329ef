package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/privacy-replay/internal/config"
	"github.com/withObsrvr/privacy-replay/internal/logging"
)

type rootOptions struct {
	configPath string
	cfg        config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "replay-worker",
		Short:         "Replays historical privacy commands to data agents",
		Version:       Version + " (" + GitSHA + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				path = os.Getenv("REPLAY_CONFIG")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config (default $REPLAY_CONFIG)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRunOnceCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/privacy-replay/internal/pgstore"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the replay tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if root.cfg.Database.Backend != "postgres" {
				return errors.New("migrate requires the postgres backend")
			}

			pool, err := pgstore.Connect(ctx, pgstore.Config{DSN: root.cfg.Database.DSN, MaxConns: root.cfg.Database.MaxConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := pgstore.Migrate(ctx, pool); err != nil {
				return err
			}
			slog.Info("schema up to date")
			return nil
		},
	}
}

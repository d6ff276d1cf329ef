package main

import (
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/privacy-replay/internal/logging"
	"github.com/withObsrvr/privacy-replay/internal/metrics"
	"github.com/withObsrvr/privacy-replay/internal/replay"
	"github.com/withObsrvr/privacy-replay/internal/taskrunner"
	"github.com/withObsrvr/privacy-replay/internal/watcher"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var noScanner bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hosted replay worker loop and the hourly scanner task",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := root.cfg
			log := logging.Component("main")
			log.Info("replay worker starting", "version", Version, "git_sha", GitSHA)

			if cfg.Metrics.Enabled {
				metrics.Init(cfg.Metrics.Namespace)
				go func() {
					log.Info("metrics server listening", "address", cfg.Metrics.Address)
					if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
						log.Error("metrics server failed", "error", err)
					}
				}()
			}

			a, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.buildWorker(ctx); err != nil {
				return err
			}

			var wg sync.WaitGroup
			goRun := func(name string, run func() error) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := run(); err != nil && !isShutdown(ctx, err) {
						log.Error("component stopped", "component", name, "error", err)
					}
				}()
			}

			if cfg.Flights.File != "" {
				goRun("flights-watcher", func() error {
					return watcher.New(cfg.Flights.File, a.flights.Reload).Run(ctx)
				})
			}
			if reloader, ok := a.dir.(interface{ Reload(string) error }); ok && cfg.Directory.File != "" {
				goRun("directory-watcher", func() error {
					return watcher.New(cfg.Directory.File, reloader.Reload).Run(ctx)
				})
			}

			if cfg.Scanner.Enabled && !noScanner {
				runner := taskrunner.New(replay.NewScannerTask(a.worker, cfg.Scanner.BatchSize), a.leases, taskrunner.Config{
					MinSleep:           cfg.Scanner.MinSleep,
					MaxSleep:           cfg.Scanner.MaxSleep,
					LeaseDuration:      cfg.Scanner.LeaseDuration,
					ExtensionThreshold: cfg.Scanner.ExtensionThreshold,
					BatchSize:          cfg.Scanner.BatchSize,
				})
				goRun("scanner", func() error { return runner.Run(ctx) })
			}

			goRun("worker", func() error { return a.worker.Run(ctx) })

			wg.Wait()
			slog.Info("replay worker stopped cleanly")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noScanner, "no-scanner", false, "run only the hosted worker loop")
	return cmd
}

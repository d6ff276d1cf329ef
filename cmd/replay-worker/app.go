package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/withObsrvr/privacy-replay/internal/applicability"
	"github.com/withObsrvr/privacy-replay/internal/audit"
	"github.com/withObsrvr/privacy-replay/internal/coldstorage"
	"github.com/withObsrvr/privacy-replay/internal/config"
	"github.com/withObsrvr/privacy-replay/internal/directory"
	"github.com/withObsrvr/privacy-replay/internal/flights"
	"github.com/withObsrvr/privacy-replay/internal/jobstore"
	"github.com/withObsrvr/privacy-replay/internal/lease"
	"github.com/withObsrvr/privacy-replay/internal/pgstore"
	"github.com/withObsrvr/privacy-replay/internal/publisher"
	"github.com/withObsrvr/privacy-replay/internal/replay"
	"github.com/withObsrvr/privacy-replay/internal/routing"
	"github.com/withObsrvr/privacy-replay/internal/verifier"
)

// app holds the wired components of one process.
type app struct {
	cfg     config.Config
	jobs    jobstore.Store
	leases  lease.Coordinator
	queue   publisher.Queue
	flights *flights.Store
	dir     directory.Service
	cold    *coldstorage.BlobReader
	codec   *publisher.Codec
	audit   audit.Emitter
	worker  *replay.Worker

	closers []func()
}

// openStores connects the job store, lease coordinator and work-item queue.
func openStores(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	switch cfg.Database.Backend {
	case "memory":
		slog.Warn("using in-memory stores; jobs are lost on exit")
		a.jobs = jobstore.NewMemoryStore(nil)
		a.leases = lease.NewMemoryCoordinator(nil)
		a.queue = publisher.NewMemoryQueue()
	default:
		pool, err := pgstore.Connect(ctx, pgstore.Config{DSN: cfg.Database.DSN, MaxConns: cfg.Database.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.jobs = jobstore.NewPostgresStore(pool)
		a.leases = lease.NewPostgresCoordinator(pool)
		a.queue = publisher.NewPostgresQueue(pool)
	}
	return a, nil
}

// buildWorker wires everything the replay worker needs on top of the stores.
func (a *app) buildWorker(ctx context.Context) error {
	cfg := a.cfg

	var err error
	if cfg.Flights.File != "" {
		a.flights, err = flights.Load(cfg.Flights.File)
		if err != nil {
			return err
		}
	} else {
		a.flights = flights.NewStore(flights.Defaults())
	}

	if cfg.Directory.File != "" {
		svc, err := directory.NewFileService(cfg.Directory.File)
		if err != nil {
			return err
		}
		a.dir = svc
	} else {
		slog.Warn("no directory file configured; every asset group is unresolved")
		a.dir = directory.Static{S: directory.NewSnapshot(nil)}
	}

	bucket, err := coldstorage.OpenBucket(ctx, cfg.ColdStorage.URL)
	if err != nil {
		return err
	}
	a.cold, err = coldstorage.NewBlobReader(bucket, cfg.ColdStorage.Prefix, cfg.ColdStorage.PageSize)
	if err != nil {
		bucket.Close()
		return err
	}
	a.closers = append(a.closers, func() { a.cold.Close() })

	var v verifier.Service = verifier.AllowAll{}
	if cfg.Verifier.Endpoint != "" {
		v = verifier.NewHTTPClient(verifier.HTTPConfig{
			Endpoint:       cfg.Verifier.Endpoint,
			Timeout:        cfg.Verifier.Timeout,
			RatePerSecond:  cfg.Verifier.RatePerSecond,
			MaxAttempts:    cfg.Verifier.MaxAttempts,
			InitialBackoff: cfg.Verifier.InitialBackoff,
		})
		if cfg.Verifier.CacheSize > 0 {
			if v, err = verifier.NewCached(v, cfg.Verifier.CacheSize); err != nil {
				return err
			}
		}
	} else {
		slog.Warn("no verifier endpoint configured; accepting every verifier")
	}

	dests := make([]routing.Destination, len(cfg.Routing.Destinations))
	for i, d := range cfg.Routing.Destinations {
		dests[i] = routing.Destination{Name: d.Name, Weight: d.Weight}
	}
	router, err := routing.NewRouter(dests, nil)
	if err != nil {
		return err
	}

	a.codec, err = publisher.NewCodec()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.codec.Close)

	queue := publisher.NewRetryingQueue(a.queue, publisher.RetryConfig{
		MaxAttempts:    cfg.Publisher.MaxAttempts,
		InitialBackoff: cfg.Publisher.InitialBackoff,
	})
	batcher := publisher.NewBatcher(queue, a.codec, publisher.BatchConfig{
		Queue:            cfg.Publisher.Queue,
		BatchSize:        cfg.Publisher.BatchSize,
		ReducedBatchSize: cfg.Publisher.ReducedBatchSize,
		StaggerWindow:    cfg.Publisher.StaggerWindow,
		MaxMessageBytes:  cfg.Publisher.MaxMessageBytes,
	}, a.flights)

	host, _ := os.Hostname()
	a.audit = audit.NewEmitter(cfg.Audit, audit.ProducerInfo{Name: "replay-worker", Version: Version, Instance: host})
	a.closers = append(a.closers, func() { a.audit.Close() })

	a.worker = replay.NewWorker(replay.Deps{
		Jobs:      a.jobs,
		Directory: a.dir,
		Cold:      a.cold,
		Filter:    applicability.New(v, router),
		Publisher: batcher,
		Audit:     a.audit,
		Flights:   a.flights,
	}, replay.Config{
		ClaimLease:     cfg.Replay.ClaimLease,
		NoJobDelay:     cfg.Replay.NoJobDelay,
		ClaimSettleMin: cfg.Replay.ClaimSettleMin,
		ClaimSettleMax: cfg.Replay.ClaimSettleMax,
		DisabledDelay:  cfg.Replay.DisabledDelay,
		MinSleep:       cfg.Replay.MinSleep,
		MaxSleep:       cfg.Replay.MaxSleep,
	})
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func isShutdown(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled))
}

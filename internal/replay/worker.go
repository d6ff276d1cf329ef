// Package replay drives replay jobs hour by hour through cold storage, filtering
// and publishing each page of historical commands.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/withObsrvr/privacy-replay/internal/applicability"
	"github.com/withObsrvr/privacy-replay/internal/audit"
	"github.com/withObsrvr/privacy-replay/internal/coldstorage"
	"github.com/withObsrvr/privacy-replay/internal/command"
	"github.com/withObsrvr/privacy-replay/internal/directory"
	"github.com/withObsrvr/privacy-replay/internal/flights"
	"github.com/withObsrvr/privacy-replay/internal/jobstore"
	"github.com/withObsrvr/privacy-replay/internal/logging"
	"github.com/withObsrvr/privacy-replay/internal/metrics"
	"github.com/withObsrvr/privacy-replay/internal/publisher"
	"github.com/withObsrvr/privacy-replay/internal/tracing"
)

// Outcome is the result of one RunOnce.
type Outcome string

const (
	// OutcomeNoJob means nothing was due.
	OutcomeNoJob Outcome = "no_job"
	// OutcomeCompleted means the claimed job finished its day.
	OutcomeCompleted Outcome = "completed"
	// OutcomeLostLease means another owner took the job over.
	OutcomeLostLease Outcome = "lost_lease"
	// OutcomeYielded means the cycle was cancelled and progress handed back.
	OutcomeYielded Outcome = "yielded"
	// OutcomeFailed means the cycle stopped on an error.
	OutcomeFailed Outcome = "failed"
)

// Completion reasons recorded on job_completed events and metrics.
const (
	ReasonDayCompleted       = "day_completed"
	ReasonNoValidAssetGroups = "no_valid_asset_groups"
)

// Publisher sends destination pairs downstream.
type Publisher interface {
	Publish(ctx context.Context, pairs []publisher.DestinationPair) (publisher.PublishStats, error)
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Jobs      jobstore.Store
	Directory directory.Service
	Cold      coldstorage.Reader
	Filter    *applicability.Filter
	Publisher Publisher
	Audit     audit.Emitter
	Flights   flights.Source
}

// Config tunes a Worker.
type Config struct {
	ClaimLease     time.Duration
	NoJobDelay     time.Duration
	ClaimSettleMin time.Duration
	ClaimSettleMax time.Duration
	DisabledDelay  time.Duration
	MinSleep       time.Duration
	MaxSleep       time.Duration
}

// Worker claims replay jobs and advances them.
type Worker struct {
	deps  Deps
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithSleeper overrides how the worker waits.
func WithSleeper(f func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) { w.sleep = f }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// NewWorker creates a Worker.
func NewWorker(deps Deps, cfg Config, opts ...Option) *Worker {
	if deps.Audit == nil {
		deps.Audit = audit.Noop{}
	}
	if deps.Flights == nil {
		deps.Flights = flights.Static(flights.Defaults())
	}
	w := &Worker{
		deps:  deps,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
		log:   logging.Component("replay"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// errLostLease aborts a cycle when a job write hits a version conflict.
var errLostLease = errors.New("replay job lease lost")

// Run is the hosted worker loop. It returns nil once ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("replay worker started", "claim_lease", w.cfg.ClaimLease, "no_job_delay", w.cfg.NoJobDelay)

	for ctx.Err() == nil {
		if w.deps.Flights.Current().WorkerDisabled {
			w.log.Info("replay worker disabled by flight", "recheck_in", w.cfg.DisabledDelay)
			_ = w.sleep(ctx, w.cfg.DisabledDelay)
			continue
		}

		outcome, err := w.safeRunOnce(ctx)
		metrics.Get().IncTaskCycles("replay-worker", string(outcome))
		if err != nil && ctx.Err() == nil {
			metrics.Get().IncTaskCycleErrors("replay-worker")
			w.log.Error("replay cycle failed", "error", err)
		}

		delay := between(w.cfg.MinSleep, w.cfg.MaxSleep)
		if outcome == OutcomeNoJob {
			delay = w.cfg.NoJobDelay
		}
		_ = w.sleep(ctx, delay)
	}

	w.log.Info("replay worker stopped")
	return nil
}

func (w *Worker) safeRunOnce(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome = OutcomeFailed
			err = fmt.Errorf("panic in replay cycle: %v\n%s", p, debug.Stack())
		}
	}()
	return w.RunOnce(ctx)
}

// RunOnce claims at most one job and advances it as far as possible.
// Lost leases are reported through the outcome, not as errors.
func (w *Worker) RunOnce(ctx context.Context) (outcome Outcome, err error) {
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	ctx, span := tracing.StartSpan(ctx, "replay.RunOnce")
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		tracing.End(span, err)
	}()

	job, err := w.deps.Jobs.PopNextItem(ctx, w.cfg.ClaimLease)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return OutcomeNoJob, nil
	}

	span.SetAttributes(attribute.String("job_id", job.ID))
	c := &cycle{
		w:   w,
		job: job,
		log: logging.FromContext(ctx, logging.JobLogger(w.log, job.ID, job.ReplayDate)),
	}
	metrics.Get().IncJobsClaimed()
	c.log.Info("claimed replay job", "next_hour", job.NextHour(), "cursor", job.ContinuationToken != "")
	c.emit(ctx, audit.Event{Type: audit.EventJobClaimed})

	outcome, err = c.run(ctx)
	switch {
	case errors.Is(err, errLostLease):
		metrics.Get().IncJobsLost()
		c.log.Info("lost replay job lease")
		c.emit(ctx, audit.Event{Type: audit.EventLeaseLost})
		return OutcomeLostLease, nil
	case err != nil:
		return OutcomeFailed, err
	}
	return outcome, nil
}

// cycle is one claim of one job.
type cycle struct {
	w   *Worker
	job *jobstore.Job
	log *slog.Logger

	deleteScope   []*directory.Group
	exportScope   []*directory.Group
	includeExport bool
}

func (c *cycle) run(ctx context.Context) (Outcome, error) {
	w := c.w

	// let racing claimers settle before confirming ownership
	if err := w.sleep(ctx, between(w.cfg.ClaimSettleMin, w.cfg.ClaimSettleMax)); err != nil {
		return c.yield(ctx)
	}
	if err := c.persist(ctx); err != nil {
		return OutcomeFailed, err
	}

	if err := c.resolveScope(ctx); err != nil {
		return OutcomeFailed, err
	}
	if len(c.deleteScope) == 0 && len(c.exportScope) == 0 {
		c.log.Info("no valid asset groups, completing job")
		return c.complete(ctx, ReasonNoValidAssetGroups, nil)
	}

	dayEnd := c.job.ReplayDate.Add(24 * time.Hour)
	for {
		if ctx.Err() != nil {
			return c.yield(ctx)
		}

		hour := c.job.NextHour()
		if !hour.Before(dayEnd) {
			return c.complete(ctx, ReasonDayCompleted, nil)
		}

		done, err := c.scanHour(ctx, hour)
		if err != nil {
			return OutcomeFailed, err
		}
		if !done {
			return c.yield(ctx)
		}

		if outcome, last, err := c.closeHour(ctx, hour); last || err != nil {
			return outcome, err
		}
	}
}

func (c *cycle) resolveScope(ctx context.Context) error {
	snap, err := c.w.deps.Directory.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load directory snapshot: %w", err)
	}

	var missingDelete, missingExport []string
	c.deleteScope, missingDelete = snap.ResolveScope(c.job.AssetGroupIDs, command.TypeDelete)
	c.exportScope, missingExport = snap.ResolveScope(c.job.AssetGroupIDsForExport, command.TypeExport)
	c.includeExport = len(c.exportScope) > 0

	if len(missingDelete) > 0 {
		metrics.Get().AddUnresolvedGroups(string(command.TypeDelete), len(missingDelete))
		c.log.Warn("asset groups not resolved for delete", "asset_groups", missingDelete)
	}
	if len(missingExport) > 0 {
		metrics.Get().AddUnresolvedGroups(string(command.TypeExport), len(missingExport))
		c.log.Warn("asset groups not resolved for export", "asset_groups", missingExport)
	}
	return nil
}

// scanHour pages through hour from the stored cursor. It reports false when
// cancelled before the hour was exhausted.
func (c *cycle) scanHour(ctx context.Context, hour time.Time) (bool, error) {
	w := c.w
	ctx, span := tracing.StartSpan(ctx, "replay.hour", attribute.String("hour", hour.Format(time.RFC3339)))
	defer span.End()

	window := coldstorage.Window{
		Start:         hour,
		End:           hour.Add(time.Hour),
		SubjectType:   c.job.SubjectType,
		IncludeExport: c.includeExport,
	}

	for {
		if ctx.Err() != nil {
			return false, nil
		}

		start := time.Now()
		page, err := w.deps.Cold.GetCommandsForWindow(ctx, window, c.job.ContinuationToken)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("read commands for %s: %w", hour.Format(time.RFC3339), err)
		}

		res, err := w.deps.Filter.Apply(ctx, page.Records, c.deleteScope, c.exportScope)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("filter page: %w", err)
		}

		m := metrics.Get()
		m.AddCommandsScanned(len(page.Records))
		m.AddCommandsDropped("bad_verifier", res.DroppedBadVerifier)
		m.AddCommandsDropped("not_applicable", res.DroppedNotApplicable)
		m.AddCommandsDropped("unparseable", res.DroppedUnparseable)
		m.AddPairsProduced(len(res.Pairs))

		if len(res.Pairs) > 0 {
			// a started page is always published in full
			if _, err := w.deps.Publisher.Publish(context.WithoutCancel(ctx), res.Pairs); err != nil {
				return false, fmt.Errorf("publish page: %w", err)
			}
		}
		m.ObservePageDuration(time.Since(start).Seconds())

		c.log.Debug("page processed",
			"hour", hour.Format(time.RFC3339),
			"records", len(page.Records),
			"pairs", len(res.Pairs),
			"more", page.NextCursor != "")

		if page.NextCursor == "" {
			return true, nil
		}

		c.job.ContinuationToken = page.NextCursor
		c.job.SetNextVisibleTime(w.now().Add(w.cfg.ClaimLease))
		if err := c.persist(ctx); err != nil {
			return false, err
		}

		if d := w.deps.Flights.Current().WorkerDelaySeconds; d == 1 || d == 2 {
			_ = w.sleep(ctx, time.Duration(d)*time.Second)
		}
	}
}

// closeHour records hour as done. last is true when the cycle should stop.
func (c *cycle) closeHour(ctx context.Context, hour time.Time) (Outcome, bool, error) {
	h := hour
	c.job.LastCompletedHour = &h
	c.job.ContinuationToken = ""

	if hour.UTC().Hour() == 23 {
		outcome, err := c.complete(ctx, ReasonDayCompleted, &h)
		return outcome, true, err
	}

	c.job.SetNextVisibleTime(c.w.now().Add(c.w.cfg.ClaimLease))
	if err := c.persist(ctx); err != nil {
		return OutcomeFailed, true, err
	}
	c.hourClosed(ctx, h)
	return "", false, nil
}

// hourClosed records an hour close once it is durable.
func (c *cycle) hourClosed(ctx context.Context, hour time.Time) {
	metrics.Get().IncHoursClosed()
	c.log.Info("hour closed", "hour", hour.Format(time.RFC3339))
	c.emit(ctx, audit.Event{Type: audit.EventHourClosed, Hour: &hour})
}

// complete marks the job done. closed is the final hour when the completion
// also closes it; its hour_closed event precedes job_completed.
func (c *cycle) complete(ctx context.Context, reason string, closed *time.Time) (Outcome, error) {
	now := c.w.now().UTC()
	c.job.IsCompleted = true
	c.job.CompletedTime = &now
	c.job.ContinuationToken = ""
	c.job.SetNextVisibleTime(jobstore.Never)
	if err := c.persist(ctx); err != nil {
		return OutcomeFailed, err
	}
	if closed != nil {
		c.hourClosed(ctx, *closed)
	}

	metrics.Get().IncJobsCompleted(reason)
	c.log.Info("replay job completed", "reason", reason)
	c.emit(ctx, audit.Event{Type: audit.EventJobCompleted, Reason: reason})
	return OutcomeCompleted, nil
}

// yield hands the job back so any owner may resume it immediately.
func (c *cycle) yield(ctx context.Context) (Outcome, error) {
	c.job.SetNextVisibleTime(c.w.now().Add(-time.Second))
	if err := c.persist(ctx); err != nil {
		return OutcomeFailed, err
	}
	c.log.Info("replay cycle cancelled, progress saved", "cursor", c.job.ContinuationToken != "")
	return OutcomeYielded, nil
}

// persist writes the job with the token of the previous write. Writes are not
// cancelled with the cycle so that progress is never lost mid-write.
func (c *cycle) persist(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if _, err := c.w.deps.Jobs.Replace(wctx, c.job, c.job.VersionToken); err != nil {
		if errors.Is(err, jobstore.ErrVersionConflict) {
			return errLostLease
		}
		return fmt.Errorf("persist job %s: %w", c.job.ID, err)
	}
	return nil
}

func (c *cycle) emit(ctx context.Context, evt audit.Event) {
	evt.JobID = c.job.ID
	evt.ReplayDate = c.job.ReplayDate
	if err := c.w.deps.Audit.Emit(context.WithoutCancel(ctx), evt); err != nil {
		c.log.Warn("audit emit failed", "type", evt.Type, "error", err)
	}
}

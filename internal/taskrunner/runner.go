package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/withObsrvr/privacy-replay/internal/lease"
	"github.com/withObsrvr/privacy-replay/internal/logging"
	"github.com/withObsrvr/privacy-replay/internal/metrics"
	"github.com/withObsrvr/privacy-replay/internal/tracing"
)

// Runner drives one Task.
type Runner struct {
	task  Task
	coord lease.Coordinator
	cfg   Config
	now   func() time.Time
	log   *slog.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock overrides the time source used for lease extension decisions.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// New creates a Runner.
func New(task Task, coord lease.Coordinator, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		task:  task,
		coord: coord,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		log:   logging.TaskLogger(task.Name()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cycles until ctx is cancelled. Cycle errors and panics are logged and
// counted; they never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	name := r.task.Name()
	r.log.Info("task runner started",
		"min_sleep", r.cfg.MinSleep,
		"max_sleep", r.cfg.MaxSleep,
		"lease", r.cfg.LeaseDuration)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("task runner stopped")
			return nil
		case <-time.After(r.jitter()):
		}

		res, err := r.safeCycle(ctx)
		metrics.Get().IncTaskCycles(name, string(res.Outcome))
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseLost):
			r.log.Info("lease lost during cycle")
		case ctx.Err() != nil:
		default:
			metrics.Get().IncTaskCycleErrors(name)
			r.log.Error("task cycle failed", "error", err)
		}
	}
}

func (r *Runner) jitter() time.Duration {
	spread := r.cfg.MaxSleep - r.cfg.MinSleep
	if spread <= 0 {
		return r.cfg.MinSleep
	}
	return r.cfg.MinSleep + rand.N(spread)
}

func (r *Runner) safeCycle(ctx context.Context) (res CycleResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = CycleResult{Outcome: CycleFailed}
			err = fmt.Errorf("panic in task cycle: %v\n%s", p, debug.Stack())
		}
	}()
	return r.RunCycle(ctx)
}

// RunCycle runs a single cycle without the initial sleep.
func (r *Runner) RunCycle(ctx context.Context) (res CycleResult, err error) {
	name := r.task.Name()
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	log := logging.FromContext(ctx, r.log)

	ctx, span := tracing.StartSpan(ctx, "taskrunner.cycle", attribute.String("task", name))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		tracing.End(span, err)
	}()

	l, err := r.coord.TryAcquire(ctx, name, r.cfg.LeaseDuration)
	if errors.Is(err, lease.ErrNotAcquired) {
		log.Debug("lease held elsewhere")
		return CycleResult{Outcome: CycleSkippedLease}, nil
	}
	if err != nil {
		return CycleResult{Outcome: CycleFailed}, fmt.Errorf("acquire lease %s: %w", name, err)
	}

	if !r.task.ShouldRun(l.State) {
		if err := r.coord.Release(ctx, l, l.State, max(l.Remaining(r.now()), 0)); err != nil {
			return CycleResult{Outcome: CycleAbortedLeaseLost}, fmt.Errorf("release lease %s: %w", name, err)
		}
		log.Debug("task not due")
		return CycleResult{Outcome: CycleSkippedNotDue}, nil
	}

	subs, err := r.task.SubTasks(ctx, l.State)
	if err != nil {
		return CycleResult{Outcome: CycleFailed}, fmt.Errorf("build sub-tasks: %w", err)
	}
	log.Info("cycle started", "sub_tasks", len(subs), "epoch", l.Epoch)

	res = CycleResult{SubTasks: len(subs)}
	if err := r.runSubTasks(ctx, l, subs); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			res.Outcome = CycleAbortedLeaseLost
		} else {
			res.Outcome = CycleFailed
		}
		return res, err
	}

	state, hold := r.task.FinalState(l.State)
	if err := r.coord.Release(ctx, l, state, hold); err != nil {
		res.Outcome = CycleAbortedLeaseLost
		return res, fmt.Errorf("release lease %s: %w", name, err)
	}

	log.Info("cycle completed", "sub_tasks", len(subs), "next_in", hold)
	res.Outcome = CycleCompleted
	return res, nil
}

// runSubTasks fans out subs with at most BatchSize in flight, extending the lease
// while they run. The first failure cancels the rest.
func (r *Runner) runSubTasks(ctx context.Context, l *lease.Lease, subs []SubTask) error {
	if len(subs) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, len(subs))
	sem := semaphore.NewWeighted(int64(r.cfg.BatchSize))
	go func() {
		for i, st := range subs {
			if err := sem.Acquire(runCtx, 1); err != nil {
				for range subs[i:] {
					done <- err
				}
				return
			}
			go func() {
				defer sem.Release(1)
				done <- runSubTask(runCtx, st)
			}()
		}
	}()

	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	poll := time.NewTimer(r.cfg.CompletionPollInterval)
	defer poll.Stop()

	for remaining := len(subs); remaining > 0; {
		select {
		case err := <-done:
			remaining--
			if err != nil {
				fail(err)
			}
		case <-poll.C:
			poll.Reset(r.cfg.CompletionPollInterval)
		}

		if firstErr != nil || remaining == 0 {
			continue
		}
		if l.Remaining(r.now()) >= r.cfg.ExtensionThreshold {
			continue
		}
		if err := r.coord.Extend(ctx, l, r.cfg.LeaseDuration); err != nil {
			if !errors.Is(err, ErrLeaseLost) {
				err = fmt.Errorf("%w: %w", ErrLeaseLost, err)
			}
			fail(fmt.Errorf("extend lease %s: %w", l.Name, err))
			continue
		}
		metrics.Get().IncLeaseExtensions(l.Name)
		r.log.Debug("lease extended", "expires_at", l.ExpiresAt)
	}
	return firstErr
}

func runSubTask(ctx context.Context, st SubTask) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in sub-task: %v\n%s", p, debug.Stack())
		}
	}()
	return st(ctx)
}

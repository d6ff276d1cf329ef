package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/privacy-replay/internal/logging"
	"github.com/withObsrvr/privacy-replay/internal/metrics"
)

// RetryConfig bounds retries of transient publish failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// growthBackOff starts at initial and multiplies the delay by 1.5 plus a random
// fraction on every step.
type growthBackOff struct {
	initial time.Duration
	current time.Duration
	rand    func() float64
}

func (g *growthBackOff) NextBackOff() time.Duration {
	if g.current == 0 {
		g.current = g.initial
	} else {
		g.current = time.Duration(float64(g.current) * (1.5 + g.rand()))
	}
	return g.current
}

func (g *growthBackOff) Reset() { g.current = 0 }

// floorTimer waits at least as long as the last server-provided RetryAfter.
type floorTimer struct {
	inner backoff.Timer
	floor *time.Duration
}

func (t floorTimer) Start(d time.Duration) { t.inner.Start(max(d, *t.floor)) }
func (t floorTimer) Stop()                 { t.inner.Stop() }
func (t floorTimer) C() <-chan time.Time   { return t.inner.C() }

// stdTimer is backoff.Timer over time.Timer.
type stdTimer struct {
	timer *time.Timer
}

func (t *stdTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *stdTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *stdTimer) C() <-chan time.Time { return t.timer.C }

// RetryingQueue retries TransientError failures of the wrapped queue.
// Any other error is returned immediately.
type RetryingQueue struct {
	next     Queue
	cfg      RetryConfig
	rand     func() float64
	newTimer func() backoff.Timer
	log      *slog.Logger
}

// RetryOption customizes a RetryingQueue.
type RetryOption func(*RetryingQueue)

// WithRand overrides the jitter source; f must return values in [0, 1).
func WithRand(f func() float64) RetryOption {
	return func(q *RetryingQueue) { q.rand = f }
}

// WithTimer overrides the timer used to wait between attempts.
func WithTimer(f func() backoff.Timer) RetryOption {
	return func(q *RetryingQueue) { q.newTimer = f }
}

// NewRetryingQueue wraps next.
func NewRetryingQueue(next Queue, cfg RetryConfig, opts ...RetryOption) *RetryingQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	q := &RetryingQueue{
		next:     next,
		cfg:      cfg,
		rand:     rand.Float64,
		newTimer: func() backoff.Timer { return &stdTimer{} },
		log:      logging.Component("publisher"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish implements Queue.
func (q *RetryingQueue) Publish(ctx context.Context, destination string, msg []byte, visibleAt time.Time) error {
	var (
		retryAfter time.Duration
		attempts   int
	)

	op := func() error {
		attempts++
		err := q.next.Publish(ctx, destination, msg, visibleAt)
		if err == nil {
			return nil
		}
		var te *TransientError
		if !errors.As(err, &te) {
			return backoff.Permanent(err)
		}
		retryAfter = te.RetryAfter
		return err
	}

	notify := func(err error, wait time.Duration) {
		metrics.Get().IncRetryAttempts("publish")
		q.log.Warn("transient publish failure",
			"attempt", attempts,
			"max_attempts", q.cfg.MaxAttempts,
			"backoff", max(wait, retryAfter),
			"error", err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&growthBackOff{initial: q.cfg.InitialBackoff, rand: q.rand}, uint64(q.cfg.MaxAttempts-1)),
		ctx,
	)
	timer := floorTimer{inner: q.newTimer(), floor: &retryAfter}

	err := backoff.RetryNotifyWithTimer(op, b, notify, timer)
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) && ctx.Err() == nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
	}
	return err
}

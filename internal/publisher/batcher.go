package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/withObsrvr/privacy-replay/internal/flights"
	"github.com/withObsrvr/privacy-replay/internal/logging"
	"github.com/withObsrvr/privacy-replay/internal/metrics"
	"github.com/withObsrvr/privacy-replay/internal/tracing"
)

// BatchConfig controls batching.
type BatchConfig struct {
	Queue            string
	BatchSize        int
	ReducedBatchSize int
	StaggerWindow    time.Duration
	MaxMessageBytes  int
}

// Batcher partitions destination pairs into staggered work items.
type Batcher struct {
	queue Queue
	cfg   BatchConfig
	flags flights.Source
	codec *Codec
	now   func() time.Time
	log   *slog.Logger
}

// Option customizes a Batcher.
type Option func(*Batcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) { b.log = l }
}

// NewBatcher creates a Batcher publishing to q.
func NewBatcher(q Queue, codec *Codec, cfg BatchConfig, flags flights.Source, opts ...Option) *Batcher {
	b := &Batcher{
		queue: q,
		cfg:   cfg,
		flags: flags,
		codec: codec,
		now:   time.Now,
		log:   logging.Component("publisher"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Batcher) batchSize(f flights.Flags) int {
	if f.ReduceBatchSize && b.cfg.ReducedBatchSize > 0 {
		return b.cfg.ReducedBatchSize
	}
	return b.cfg.BatchSize
}

// Publish sends pairs as ceil(len/batchSize) work items. Batch k becomes visible at
// now + k*interval where interval spreads all batches across the stagger window.
// Only the final batch is marked applicability-verified.
func (b *Batcher) Publish(ctx context.Context, pairs []DestinationPair) (PublishStats, error) {
	stats := PublishStats{Pairs: len(pairs)}
	if len(pairs) == 0 {
		return stats, nil
	}

	ctx, span := tracing.StartSpan(ctx, "publisher.Publish", attribute.Int("pairs", len(pairs)))
	start := time.Now()
	var err error
	defer func() {
		metrics.Get().ObservePublishDuration(time.Since(start).Seconds())
		tracing.End(span, err)
	}()

	f := b.flags.Current()
	size := b.batchSize(f)
	n := (len(pairs) + size - 1) / size

	var interval time.Duration
	if f.StaggerBatches {
		interval = b.cfg.StaggerWindow / time.Duration(n)
	}

	now := b.now()
	for k := 0; k < n; k++ {
		lo, hi := k*size, min((k+1)*size, len(pairs))
		item := WorkItem{
			Batch:                   k,
			IsApplicabilityVerified: k == n-1,
			Pairs:                   pairs[lo:hi],
		}
		if err = b.send(ctx, item, now.Add(time.Duration(k)*interval), &stats); err != nil {
			return stats, fmt.Errorf("publish batch %d/%d: %w", k+1, n, err)
		}
		stats.Batches++
		metrics.Get().IncBatchesPublished(item.IsApplicabilityVerified)
	}

	b.log.Debug("published batches",
		"pairs", len(pairs),
		"batches", n,
		"messages", stats.Messages,
		"splits", stats.Splits,
		"interval", interval)
	return stats, nil
}

// Requeue republishes a previously delivered item after delay. The consumer must
// re-run applicability on it.
func (b *Batcher) Requeue(ctx context.Context, item WorkItem, delay time.Duration) error {
	item.IsApplicabilityVerified = false
	var stats PublishStats
	return b.send(ctx, item, b.now().Add(delay), &stats)
}

// send publishes item, halving it recursively while the encoded form is over the limit.
func (b *Batcher) send(ctx context.Context, item WorkItem, visibleAt time.Time, stats *PublishStats) error {
	msg, err := b.codec.Encode(item)
	if err != nil {
		return err
	}

	if b.cfg.MaxMessageBytes > 0 && len(msg) > b.cfg.MaxMessageBytes {
		if len(item.Pairs) <= 1 {
			return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
		}
		stats.Splits++
		metrics.Get().IncMessageSplits()

		mid := len(item.Pairs) / 2
		left, right := item, item
		left.Pairs, left.Position = item.Pairs[:mid], 2*item.Position+1
		right.Pairs, right.Position = item.Pairs[mid:], 2*item.Position+2
		if err := b.send(ctx, left, visibleAt, stats); err != nil {
			return err
		}
		return b.send(ctx, right, visibleAt, stats)
	}

	if err := b.queue.Publish(ctx, b.cfg.Queue, msg, visibleAt); err != nil {
		return err
	}
	stats.Messages++
	metrics.Get().IncMessagesPublished()
	return nil
}

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/privacy-replay/internal/logging"
	"github.com/withObsrvr/privacy-replay/internal/metrics"
)

// HTTPEmitter posts chained events to an audit endpoint, keeping a local backup.
type HTTPEmitter struct {
	endpoint string
	client   *http.Client
	chain    *chainer
	backup   *FileBackup
	retries  uint64
	delay    time.Duration
	log      *slog.Logger
}

// NewHTTPEmitter creates an emitter posting to endpoint.
func NewHTTPEmitter(endpoint, backupDir string, producer ProducerInfo) (*HTTPEmitter, error) {
	heads, err := openHeadStore(backupDir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(backupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	return &HTTPEmitter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		chain:    &chainer{heads: heads, producer: producer, now: time.Now},
		backup:   backup,
		retries:  2,
		delay:    time.Second,
		log:      logging.Component("audit"),
	}, nil
}

// Emit implements Emitter. The backup is written before posting; the chain head only
// advances once the endpoint accepted the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt Event) error {
	e.chain.mu.Lock()
	defer e.chain.mu.Unlock()

	e.chain.link(&evt)
	if err := e.backup.Save(&evt); err != nil {
		e.log.Warn("audit backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, &evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}

	if err := e.chain.commit(&evt); err != nil {
		e.log.Warn("failed to update chain head", "job_id", evt.JobID, "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.delay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	op := func() error { return e.post(ctx, evt) }
	notify := func(err error, wait time.Duration) {
		metrics.Get().IncRetryAttempts("audit")
		e.log.Warn("audit post failed, retrying", "error", err, "wait", wait)
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, e.retries), ctx), notify)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close implements Emitter.
func (e *HTTPEmitter) Close() error { return nil }

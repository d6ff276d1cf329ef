package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/privacy-replay/internal/command"
	"github.com/withObsrvr/privacy-replay/internal/logging"
	"github.com/withObsrvr/privacy-replay/internal/metrics"
)

// HTTPConfig configures the remote verifier client.
type HTTPConfig struct {
	Endpoint      string
	Timeout       time.Duration
	RatePerSecond float64

	// MaxAttempts bounds tries per check while the service is unavailable.
	MaxAttempts    int
	InitialBackoff time.Duration
}

// HTTPClient validates verifiers against a remote validation endpoint.
type HTTPClient struct {
	endpoint       string
	client         *http.Client
	limiter        *rate.Limiter
	maxAttempts    int
	initialBackoff time.Duration
	log            *slog.Logger
}

type validateRequest struct {
	CommandID    string   `json:"commandId"`
	CommandType  string   `json:"commandType"`
	SubjectType  string   `json:"subjectType"`
	AgentID      string   `json:"agentId"`
	AssetGroupID string   `json:"assetGroupId"`
	DataTypes    []string `json:"dataTypes,omitempty"`
	Verifier     string   `json:"verifier"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

// NewHTTPClient creates a client. A non-positive rate disables limiting.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &HTTPClient{
		endpoint:       cfg.Endpoint,
		client:         &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(limit, burst),
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		log:            logging.Component("verifier"),
	}
}

// Validate implements Service. Commands without a verifier are rejected locally.
// 4xx responses other than 429 reject the verifier. Throttling, 5xx and transport
// failures are retried with backoff and then reported as ErrUnavailable.
func (c *HTTPClient) Validate(ctx context.Context, v command.View) (bool, error) {
	if v.Verifier == "" {
		return false, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxElapsedTime = 0

	var valid bool
	op := func() error {
		ok, err := c.validateOnce(ctx, v)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		valid = ok
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.Get().IncRetryAttempts("verifier")
		c.log.Warn("verifier unavailable, retrying", "command_id", v.ID, "error", err, "wait", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx), notify)
	if err != nil {
		return false, err
	}
	return valid, nil
}

func (c *HTTPClient) validateOnce(ctx context.Context, v command.View) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}

	body, err := json.Marshal(validateRequest{
		CommandID:    v.ID,
		CommandType:  string(v.Type),
		SubjectType:  v.SubjectType,
		AgentID:      v.AgentID,
		AssetGroupID: v.AssetGroupID,
		DataTypes:    v.DataTypes,
		Verifier:     v.Verifier,
	})
	if err != nil {
		return false, fmt.Errorf("marshal validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out validateResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, fmt.Errorf("%w: decode validate response: %v", ErrUnavailable, err)
		}
		return out.Valid, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return false, nil
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("%w: http %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}
}

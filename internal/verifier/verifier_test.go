package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/privacy-replay/internal/command"
)

func view(id, token string) command.View {
	return command.New(id, command.TypeDelete, "msa", nil, token).For("agent", "ag", "")
}

func TestHTTPClientValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch req.Verifier {
		case "good":
			json.NewEncoder(w).Encode(validateResponse{Valid: true})
		case "bad":
			json.NewEncoder(w).Encode(validateResponse{Valid: false})
		case "forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, RatePerSecond: 100, InitialBackoff: time.Millisecond})
	ctx := context.Background()

	ok, err := c.Validate(ctx, view("c1", "good"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Validate(ctx, view("c2", "bad"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Validate(ctx, view("c3", "forbidden"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Validate(ctx, view("c4", "boom"))
	require.ErrorIs(t, err, ErrUnavailable)

	ok, err = c.Validate(ctx, view("c5", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPClientRetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(validateResponse{Valid: true})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, RatePerSecond: 100, MaxAttempts: 3, InitialBackoff: time.Millisecond})

	ok, err := c.Validate(context.Background(), view("c1", "good"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClientRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, RatePerSecond: 100, MaxAttempts: 3, InitialBackoff: time.Millisecond})

	ok, err := c.Validate(context.Background(), view("c1", "bad"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, RatePerSecond: 100, MaxAttempts: 3, InitialBackoff: time.Millisecond})

	_, err := c.Validate(context.Background(), view("c1", "good"))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(HTTPConfig{Endpoint: url, RatePerSecond: 100, MaxAttempts: 1})

	_, err := c.Validate(context.Background(), view("c1", "good"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCachedSkipsRepeatCalls(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(ctx context.Context, v command.View) (bool, error) {
		calls.Add(1)
		return v.Verifier == "good", nil
	})

	c, err := NewCached(inner, 8)
	require.NoError(t, err)

	for range 3 {
		ok, err := c.Validate(context.Background(), view("c1", "good"))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := c.Validate(context.Background(), view("c1", "other"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int32(2), calls.Load())
}

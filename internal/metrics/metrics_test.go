package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHelpersCount(t *testing.T) {
	m := New(prometheus.NewRegistry(), "test")

	m.IncJobsClaimed()
	m.IncJobsCompleted("day_complete")
	m.AddCommandsDropped("bad_verifier", 3)
	m.AddCommandsDropped("bad_verifier", 0)
	m.IncBatchesPublished(true)
	m.IncBatchesPublished(false)
	m.IncBatchesPublished(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsClaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsCompleted.WithLabelValues("day_complete")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CommandsDropped.WithLabelValues("bad_verifier")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchesPublished.WithLabelValues("false")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncJobsClaimed()
		m.AddPairsProduced(4)
		m.IncTaskCycles("replay-scanner", "completed")
	})
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

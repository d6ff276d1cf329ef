// Package metrics provides Prometheus metrics for the replay worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the replay worker.
type Metrics struct {
	// Job metrics
	JobsClaimed   prometheus.Counter
	JobsCompleted *prometheus.CounterVec
	JobsLost      prometheus.Counter
	HoursClosed   prometheus.Counter

	// Scan metrics
	CommandsScanned  prometheus.Counter
	CommandsDropped  *prometheus.CounterVec
	PairsProduced    prometheus.Counter
	PageDuration     prometheus.Histogram
	UnresolvedGroups *prometheus.CounterVec

	// Publish metrics
	BatchesPublished  *prometheus.CounterVec
	MessagesPublished prometheus.Counter
	MessageSplits     prometheus.Counter
	PublishDuration   prometheus.Histogram
	RetryAttempts     *prometheus.CounterVec

	// Task runner metrics
	TaskCycles      *prometheus.CounterVec
	TaskCycleErrors *prometheus.CounterVec
	LeaseExtensions *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on the default registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(prometheus.DefaultRegisterer, namespace)
	defaultMetrics = m
	return m
}

// New creates metrics registered on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "privacy_replay"
	}
	f := promauto.With(reg)

	return &Metrics{
		JobsClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Total number of replay jobs claimed",
		}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of replay jobs marked complete",
		}, []string{"reason"}),
		JobsLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_lost_total",
			Help:      "Total number of cycles aborted on a version conflict",
		}),
		HoursClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hours_closed_total",
			Help:      "Total number of replay hours fully scanned",
		}),
		CommandsScanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_scanned_total",
			Help:      "Total number of historical commands read from cold storage",
		}),
		CommandsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dropped_total",
			Help:      "Commands or destinations dropped by the applicability filter",
		}, []string{"reason"}),
		PairsProduced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destination_pairs_total",
			Help:      "Total number of command/destination pairs produced",
		}),
		PageDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_duration_seconds",
			Help:      "Time to fetch, filter and publish one cold-storage page",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
		UnresolvedGroups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unresolved_asset_groups_total",
			Help:      "Asset groups in job scope that did not resolve to live routing",
		}, []string{"command_type"}),
		BatchesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_published_total",
			Help:      "Total number of work-item batches published",
		}, []string{"verified"}),
		MessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of queue messages published (after splitting)",
		}),
		MessageSplits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_splits_total",
			Help:      "Total number of oversized messages split in half",
		}),
		PublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time to publish one queue message including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts",
		}, []string{"operation"}),
		TaskCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_cycles_total",
			Help:      "Periodic task cycles by outcome",
		}, []string{"task", "outcome"}),
		TaskCycleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_cycle_errors_total",
			Help:      "Periodic task cycles that failed with an unexpected error",
		}, []string{"task"}),
		LeaseExtensions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_extensions_total",
			Help:      "Lease extensions performed by periodic tasks",
		}, []string{"task"}),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler())
}

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// The helpers below are nil-safe so components can run without metrics wired.

// IncJobsClaimed increments the claimed jobs counter.
func (m *Metrics) IncJobsClaimed() {
	if m == nil {
		return
	}
	m.JobsClaimed.Inc()
}

// IncJobsCompleted increments the completed jobs counter.
func (m *Metrics) IncJobsCompleted(reason string) {
	if m == nil {
		return
	}
	m.JobsCompleted.WithLabelValues(reason).Inc()
}

// IncJobsLost increments the lost jobs counter.
func (m *Metrics) IncJobsLost() {
	if m == nil {
		return
	}
	m.JobsLost.Inc()
}

// IncHoursClosed increments the closed hours counter.
func (m *Metrics) IncHoursClosed() {
	if m == nil {
		return
	}
	m.HoursClosed.Inc()
}

// AddCommandsScanned adds to the scanned commands counter.
func (m *Metrics) AddCommandsScanned(n int) {
	if m == nil {
		return
	}
	m.CommandsScanned.Add(float64(n))
}

// AddCommandsDropped adds to the dropped commands counter for a reason.
func (m *Metrics) AddCommandsDropped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CommandsDropped.WithLabelValues(reason).Add(float64(n))
}

// AddPairsProduced adds to the produced pairs counter.
func (m *Metrics) AddPairsProduced(n int) {
	if m == nil {
		return
	}
	m.PairsProduced.Add(float64(n))
}

// ObservePageDuration records one page's processing time.
func (m *Metrics) ObservePageDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PageDuration.Observe(seconds)
}

// AddUnresolvedGroups adds to the unresolved asset group counter.
func (m *Metrics) AddUnresolvedGroups(commandType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.UnresolvedGroups.WithLabelValues(commandType).Add(float64(n))
}

// IncBatchesPublished increments the published batches counter.
func (m *Metrics) IncBatchesPublished(verified bool) {
	if m == nil {
		return
	}
	label := "false"
	if verified {
		label = "true"
	}
	m.BatchesPublished.WithLabelValues(label).Inc()
}

// IncMessagesPublished increments the published messages counter.
func (m *Metrics) IncMessagesPublished() {
	if m == nil {
		return
	}
	m.MessagesPublished.Inc()
}

// IncMessageSplits increments the message split counter.
func (m *Metrics) IncMessageSplits() {
	if m == nil {
		return
	}
	m.MessageSplits.Inc()
}

// ObservePublishDuration records one message publish time.
func (m *Metrics) ObservePublishDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PublishDuration.Observe(seconds)
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// IncTaskCycles increments the task cycle counter for an outcome.
func (m *Metrics) IncTaskCycles(task, outcome string) {
	if m == nil {
		return
	}
	m.TaskCycles.WithLabelValues(task, outcome).Inc()
}

// IncTaskCycleErrors increments the task cycle error counter.
func (m *Metrics) IncTaskCycleErrors(task string) {
	if m == nil {
		return
	}
	m.TaskCycleErrors.WithLabelValues(task).Inc()
}

// IncLeaseExtensions increments the lease extension counter.
func (m *Metrics) IncLeaseExtensions(task string) {
	if m == nil {
		return
	}
	m.LeaseExtensions.WithLabelValues(task).Inc()
}

// Package metrics provides Prometheus metrics for monitoring the
// regression engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/regentci/regent/internal/testrun"
)

var (
	TestsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regent_tests_enqueued_total",
			Help: "Total number of tests enqueued for execution",
		},
		[]string{"category"},
	)
	TestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regent_tests_completed_total",
			Help: "Total number of tests that passed",
		},
		[]string{"category"},
	)
	TestsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regent_tests_failed_total",
			Help: "Total number of tests that failed terminally",
		},
		[]string{"category", "failure_type"},
	)
	TestsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regent_tests_retried_total",
			Help: "Total number of test retries",
		},
		[]string{"category", "failure_type"},
	)
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regent_classifications_total",
			Help: "Total number of failure classifications by type",
		},
		[]string{"failure_type"},
	)
	FingerprintsNew = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regent_fingerprints_new_total",
			Help: "Total number of new failure fingerprints recorded",
		},
	)
	FingerprintsMatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regent_fingerprints_matched_total",
			Help: "Total number of failures merged into existing fingerprints",
		},
	)
	TestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regent_test_duration_seconds",
			Help:    "Test execution duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"category", "status"},
	)
	SchedulerDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regent_scheduler_depth",
			Help: "Current number of tests waiting in the scheduler",
		},
	)
	WritesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regent_writes_pending",
			Help: "Current number of writes buffered in the write queue",
		},
	)
	WritesFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regent_writes_flushed_total",
			Help: "Total number of writes flushed to storage",
		},
	)
	FlushBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "regent_flush_batch_size",
			Help:    "Number of writes per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "regent_flush_duration_seconds",
			Help:    "Write queue flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	FlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regent_flush_failures_total",
			Help: "Total number of failed write queue flushes",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regent_workers_active",
			Help: "Number of currently active workers",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regent_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTestEnqueued(category string) {
	TestsEnqueued.WithLabelValues(category).Inc()
}

func RecordTestCompleted(category string, duration time.Duration) {
	TestsCompleted.WithLabelValues(category).Inc()
	TestDuration.WithLabelValues(category, string(testrun.StatusPassed)).Observe(duration.Seconds())
}

func RecordTestFailed(category, failureType string, duration time.Duration) {
	TestsFailed.WithLabelValues(category, failureType).Inc()
	TestDuration.WithLabelValues(category, string(testrun.StatusFailed)).Observe(duration.Seconds())
}

func RecordTestRetried(category, failureType string) {
	TestsRetried.WithLabelValues(category, failureType).Inc()
}

func RecordClassification(failureType string) {
	ClassificationsTotal.WithLabelValues(failureType).Inc()
}

func RecordFingerprint(isNew bool) {
	if isNew {
		FingerprintsNew.Inc()
	} else {
		FingerprintsMatched.Inc()
	}
}

func UpdateSchedulerDepth(depth int) {
	SchedulerDepth.Set(float64(depth))
}

func UpdateWritesPending(pending int) {
	WritesPending.Set(float64(pending))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Package metrics provides Prometheus metrics for transfers and backends.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_bytes_transferred_total",
			Help: "Total bytes moved by completed jobs",
		},
		[]string{"kind"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_jobs_total",
			Help: "Total number of processed jobs",
		},
		[]string{"kind", "status"},
	)

	queuesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_queues_active",
			Help: "Number of running queues",
		},
	)

	queueSpeed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_queue_speed_bytes_per_second",
			Help: "Averaged speed of the most recently sampled queue",
		},
	)

	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_backend_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_backend_operations_total",
			Help: "Total backend operations",
		},
		[]string{"protocol", "operation", "status"},
	)

	httpdirRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_httpdir_requests_total",
			Help: "Requests served by the directory server",
		},
		[]string{"endpoint", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordJob records a finished job and, on success, its bytes.
func RecordJob(kind string, bytes int64, success bool) {
	if success && bytes > 0 {
		bytesTransferred.WithLabelValues(kind).Add(float64(bytes))
	}
	jobsTotal.WithLabelValues(kind, status(success)).Inc()
}

// RecordJobSkipped records a job skipped by cancellation.
func RecordJobSkipped(kind string) {
	jobsTotal.WithLabelValues(kind, "canceled").Inc()
}

func QueueStarted() {
	queuesActive.Inc()
}

func QueueStopped() {
	queuesActive.Dec()
}

func SetSpeed(bytesPerSecond float64) {
	queueSpeed.Set(bytesPerSecond)
}

// RecordOperation records a backend call.
func RecordOperation(protocol, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(protocol, operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(protocol, operation, status(success)).Inc()
}

// Track returns a func that records operation when called with its error,
// e.g. defer metrics.Track("s3", "get")(&err).
func Track(protocol, operation string) func(*error) {
	start := time.Now()
	return func(err *error) {
		RecordOperation(protocol, operation, time.Since(start), err == nil || *err == nil)
	}
}

// RecordRequest records a request served by the directory server.
func RecordRequest(endpoint string, success bool) {
	httpdirRequestsTotal.WithLabelValues(endpoint, status(success)).Inc()
}

// Package metrics provides Prometheus metrics for the fern import service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fern"

var (
	// ImportsTotal tracks finished import attempts by final state
	ImportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "importer",
			Name:      "imports_total",
			Help:      "Total number of import attempts by final state",
		},
		[]string{"state"},
	)

	// ImportDuration tracks how long an import ran once started
	ImportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "importer",
			Name:      "import_duration_seconds",
			Help:      "Duration of import execution in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"state"},
	)

	// QueueWaitDuration tracks how long a request waited before a worker picked it up
	QueueWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "importer",
			Name:      "queue_wait_seconds",
			Help:      "Time import requests spend queued in seconds",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 900, 3600, 14400},
		},
	)

	// ImportsFailed counts failed imports since process start
	ImportsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "importer",
			Name:      "imports_failed_total",
			Help:      "Total number of failed imports",
		},
	)

	// ImportsRejected tracks submissions refused before queueing
	ImportsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "importer",
			Name:      "rejected_total",
			Help:      "Total number of rejected import submissions by reason",
		},
		[]string{"reason"},
	)

	// QueueSize is the number of queued imports
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "importer",
			Name:      "queue_size",
			Help:      "Number of imports waiting in the queue",
		},
	)

	// ImportsInFlight is the number of imports currently executing
	ImportsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "importer",
			Name:      "imports_in_flight",
			Help:      "Number of imports currently executing",
		},
	)

	// LoaderRowsTotal tracks rows written by the loader per entity
	LoaderRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "rows_total",
			Help:      "Total number of rows inserted by entity",
		},
		[]string{"entity"},
	)

	// LoaderBatchCommits tracks committed loader batches
	LoaderBatchCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "batch_commits_total",
			Help:      "Total number of committed loader batches by entity",
		},
		[]string{"entity"},
	)

	// PartitionOperationDuration tracks partition DDL
	PartitionOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "partition",
			Name:      "operation_duration_seconds",
			Help:      "Duration of partition operations in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"operation", "status"},
	)

	// HTTPRequestsTotal tracks archive download requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks archive download duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"method"},
	)

	// TriggerSubmissions tracks imports submitted by the continuous import trigger
	TriggerSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "submissions_total",
			Help:      "Total number of scheduled import submissions by kind and status",
		},
		[]string{"kind", "status"},
	)

	// KafkaMessagesPublished tracks messages published to Kafka
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// RedisOperationDuration tracks lock and sector sync operations
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"operation"},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordImport records the outcome of an executed import
func RecordImport(state string, queued, executed time.Duration) {
	ImportsTotal.WithLabelValues(state).Inc()
	ImportDuration.WithLabelValues(state).Observe(executed.Seconds())
	QueueWaitDuration.Observe(queued.Seconds())
}

// RecordImportFailure records a failed import
func RecordImportFailure() {
	ImportsFailed.Inc()
}

// RecordRejected records a refused submission
func RecordRejected(reason string) {
	ImportsRejected.WithLabelValues(reason).Inc()
}

// RecordQueue records the current queue and executor occupancy
func RecordQueue(queued, running int) {
	QueueSize.Set(float64(queued))
	ImportsInFlight.Set(float64(running))
}

// RecordLoaderRows records inserted rows of one entity
func RecordLoaderRows(entity string, rows int) {
	LoaderRowsTotal.WithLabelValues(entity).Add(float64(rows))
}

// RecordBatchCommit records a committed loader batch
func RecordBatchCommit(entity string) {
	LoaderBatchCommits.WithLabelValues(entity).Inc()
}

// RecordPartitionOperation records partition DDL
func RecordPartitionOperation(operation string, duration time.Duration, err error) {
	PartitionOperationDuration.WithLabelValues(operation, status(err)).Observe(duration.Seconds())
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordTriggerSubmission records an import submitted by the scheduler
func RecordTriggerSubmission(kind string, err error) {
	TriggerSubmissions.WithLabelValues(kind, status(err)).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string, duration time.Duration) {
	RedisOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

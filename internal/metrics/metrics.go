package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "encodejobs_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encodejobs_jobs_created_total",
			Help: "Total number of encoding jobs created",
		},
	)

	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_job_transitions_total",
			Help: "Total number of job state changes by event",
		},
		[]string{"event"},
	)

	JobClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_job_claims_total",
			Help: "Claim attempts by result (claimed, taken, empty)",
		},
		[]string{"result"},
	)

	JobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_job_failures_total",
			Help: "Recorded job failures by error code and outcome",
		},
		[]string{"code", "outcome"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "encodejobs_job_duration_seconds",
			Help:    "Time from first start to completion",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		},
	)

	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "encodejobs_jobs",
			Help: "Number of jobs in each status",
		},
		[]string{"status"},
	)

	JobsRetryPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodejobs_jobs_retry_pending",
			Help: "Failed jobs with attempts remaining",
		},
	)

	JobsExhausted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodejobs_jobs_exhausted",
			Help: "Failed jobs with no attempts remaining",
		},
	)

	JobsAlertPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodejobs_jobs_alert_pending",
			Help: "Exhausted jobs no operator alert has been sent for",
		},
	)

	JobsStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodejobs_jobs_stale",
			Help: "Processing jobs with no recent progress report",
		},
	)

	// Sweeper Metrics
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_sweep_runs_total",
			Help: "Total number of sweep passes",
		},
		[]string{"sweep", "status"},
	)

	SweepJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_sweep_jobs_total",
			Help: "Jobs handled by sweeps, by result",
		},
		[]string{"sweep", "result"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "encodejobs_sweep_duration_seconds",
			Help:    "Sweep pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	// Event and Webhook Metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_events_published_total",
			Help: "Lifecycle events published to the broker",
		},
		[]string{"type", "status"},
	)

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_webhook_deliveries_total",
			Help: "Webhook delivery attempts",
		},
		[]string{"event", "status"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "encodejobs_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "encodejobs_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodejobs_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordJobCreated records job creation
func RecordJobCreated() {
	JobsCreatedTotal.Inc()
}

// RecordJobTransition records a state change
func RecordJobTransition(event string) {
	JobTransitionsTotal.WithLabelValues(event).Inc()
}

// RecordClaim records the result of a claim attempt
func RecordClaim(result string) {
	JobClaimsTotal.WithLabelValues(result).Inc()
}

// RecordJobFailure records a failed attempt
func RecordJobFailure(code string, exhausted bool) {
	outcome := "retry"
	if exhausted {
		outcome = "exhausted"
	}
	JobFailuresTotal.WithLabelValues(code, outcome).Inc()
}

// RecordJobDuration records how long a completed job ran
func RecordJobDuration(seconds float64) {
	JobDuration.Observe(seconds)
}

// UpdateJobGauges sets the status gauges from a stats snapshot
func UpdateJobGauges(stats *models.JobStats) {
	if stats == nil {
		return
	}
	for _, status := range models.AllJobStatuses {
		JobsByStatus.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}
	JobsRetryPending.Set(float64(stats.RetryPending))
	JobsExhausted.Set(float64(stats.Exhausted))
	JobsAlertPending.Set(float64(stats.AlertPending))
	JobsStale.Set(float64(stats.Stale))
}

// RecordSweep records one sweep pass
func RecordSweep(sweep string, processed, skipped int, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SweepRunsTotal.WithLabelValues(sweep, status).Inc()
	SweepJobsTotal.WithLabelValues(sweep, "processed").Add(float64(processed))
	SweepJobsTotal.WithLabelValues(sweep, "skipped").Add(float64(skipped))
	SweepDuration.WithLabelValues(sweep).Observe(duration)
}

// RecordEventPublished records a broker publish
func RecordEventPublished(eventType, status string) {
	EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordWebhookDelivery records a webhook attempt
func RecordWebhookDelivery(event, status string) {
	WebhookDeliveriesTotal.WithLabelValues(event, status).Inc()
}

// RecordStorageOperation records storage operation metrics
func RecordStorageOperation(operation, status string, duration float64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordDatabaseOperation records database operation metrics
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

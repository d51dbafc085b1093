package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MigrationMetrics contains Prometheus metrics for batch migrations and consistency checks
type MigrationMetrics struct {
	registry *prometheus.Registry

	// Batch metrics
	batchesTotal      *prometheus.CounterVec
	recordsTotal      *prometheus.CounterVec
	batchDuration     *prometheus.HistogramVec
	batchSize         *prometheus.HistogramVec
	batchWritesTotal  *prometheus.CounterVec
	batchWriteLatency *prometheus.HistogramVec
	sourceFetchTotal  *prometheus.CounterVec

	// Job state metrics
	jobStatus     *prometheus.GaugeVec
	jobProgress   *prometheus.GaugeVec
	jobThroughput *prometheus.GaugeVec
	jobETA        *prometheus.GaugeVec

	// Validation metrics
	validationsTotal   *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewMigrationMetrics creates and registers new migration metrics
func NewMigrationMetrics(registry *prometheus.Registry) (*MigrationMetrics, error) {
	m := &MigrationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *MigrationMetrics) initMetrics() {
	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_migration_batches_total",
			Help: "Total number of processed migration batches",
		},
		[]string{"object_type"},
	)

	m.recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_migration_records_total",
			Help: "Total number of migrated records by outcome",
		},
		[]string{"object_type", "outcome"}, // outcome: succeeded, failed
	)

	m.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_migration_batch_duration_seconds",
			Help:    "Time taken to fetch, map and write one batch",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12), // 10ms to ~20s
		},
		[]string{"object_type"},
	)

	m.batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_migration_batch_records",
			Help:    "Number of records fetched per batch",
			Buckets: prometheus.ExponentialBuckets(BucketStart1, BucketFactor2, BucketCount12), // 1 to 2048
		},
		[]string{"object_type"},
	)

	m.batchWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_migration_batch_writes_total",
			Help: "Total number of batch writes to the target store",
		},
		[]string{"object_type", "status"},
	)

	m.batchWriteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_migration_batch_write_duration_seconds",
			Help:    "Time taken by the target store to commit one batch",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15), // 1ms to ~16s
		},
		[]string{"object_type"},
	)

	m.sourceFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_migration_source_fetches_total",
			Help: "Total number of source page fetches",
		},
		[]string{"object_type", "status"},
	)

	m.jobStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crmsync_migration_job_status",
			Help: "Current job status per object type (1 for the active status)",
		},
		[]string{"object_type", "status"},
	)

	m.jobProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crmsync_migration_job_progress_percent",
			Help: "Share of batches completed",
		},
		[]string{"object_type"},
	)

	m.jobThroughput = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crmsync_migration_job_throughput_records_per_second",
			Help: "Records processed per second over the last batch",
		},
		[]string{"object_type"},
	)

	m.jobETA = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crmsync_migration_job_eta_seconds",
			Help: "Estimated seconds until the job finishes",
		},
		[]string{"object_type"},
	)

	m.validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_validation_runs_total",
			Help: "Total number of consistency validation runs by rollup status",
		},
		[]string{"object_type", "status"}, // status: success, warning, failed, error
	)

	m.validationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_validation_duration_seconds",
			Help:    "Time taken by one consistency validation",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
		},
		[]string{"object_type"},
	)

	m.collectors = []prometheus.Collector{
		m.batchesTotal, m.recordsTotal, m.batchDuration, m.batchSize,
		m.batchWritesTotal, m.batchWriteLatency, m.sourceFetchTotal,
		m.jobStatus, m.jobProgress, m.jobThroughput, m.jobETA,
		m.validationsTotal, m.validationDuration,
	}
}

// Describe implements the Collector interface
func (m *MigrationMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *MigrationMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordBatch records the outcome of one processed batch
func (m *MigrationMetrics) RecordBatch(objectType string, processed, succeeded, failed int, duration time.Duration) {
	m.batchesTotal.WithLabelValues(objectType).Inc()
	m.batchSize.WithLabelValues(objectType).Observe(float64(processed))
	m.batchDuration.WithLabelValues(objectType).Observe(duration.Seconds())
	if succeeded > 0 {
		m.recordsTotal.WithLabelValues(objectType, OutcomeSucceeded).Add(float64(succeeded))
	}
	if failed > 0 {
		m.recordsTotal.WithLabelValues(objectType, OutcomeFailed).Add(float64(failed))
	}
}

// RecordBatchWrite records one commit against the target store
func (m *MigrationMetrics) RecordBatchWrite(objectType string, err error, duration time.Duration) {
	m.batchWritesTotal.WithLabelValues(objectType, statusOf(err)).Inc()
	m.batchWriteLatency.WithLabelValues(objectType).Observe(duration.Seconds())
}

// RecordSourceFetch records one page fetch from the source
func (m *MigrationMetrics) RecordSourceFetch(objectType string, err error) {
	m.sourceFetchTotal.WithLabelValues(objectType, statusOf(err)).Inc()
}

// SetStatus marks status as the only active status of objectType
func (m *MigrationMetrics) SetStatus(objectType, status string) {
	m.jobStatus.DeletePartialMatch(prometheus.Labels{"object_type": objectType})
	m.jobStatus.WithLabelValues(objectType, status).Set(1)
}

// SetProgress updates the derived progress gauges of objectType
func (m *MigrationMetrics) SetProgress(objectType string, percent, throughput, etaSeconds float64) {
	m.jobProgress.WithLabelValues(objectType).Set(percent)
	m.jobThroughput.WithLabelValues(objectType).Set(throughput)
	m.jobETA.WithLabelValues(objectType).Set(etaSeconds)
}

// ObserveValidation records one consistency validation run
func (m *MigrationMetrics) ObserveValidation(objectType, status string, duration time.Duration) {
	m.validationsTotal.WithLabelValues(objectType, status).Inc()
	m.validationDuration.WithLabelValues(objectType).Observe(duration.Seconds())
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

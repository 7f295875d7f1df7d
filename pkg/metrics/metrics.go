package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection
type Collector struct {
	// Fetch Metrics
	FetchRequestsTotal *prometheus.CounterVec
	FetchDuration      prometheus.Histogram
	FetchRecordsTotal  prometheus.Counter
	FetchWindowErrors  *prometheus.CounterVec
	FetchWindowsTotal  prometheus.Counter

	// Ingestion Metrics
	IngestionRecordsTotal prometheus.Counter
	IngestionErrorsTotal  *prometheus.CounterVec

	// Merge Metrics
	MergeRowsTotal *prometheus.CounterVec
	MergeDuration  prometheus.Histogram

	// Spatial Match Metrics
	MatchCandidates prometheus.Gauge
	MatchedTotal    prometheus.Counter
	UnmatchedTotal  prometheus.Counter
	MatchDuration   prometheus.Histogram

	// Database Metrics
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec

	// Pipeline Metrics
	PhaseDuration *prometheus.HistogramVec
	LastSuccess   prometheus.Gauge
}

// NewCollector creates a new metrics collector registered against reg.
// A nil reg uses the default prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		FetchRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_requests_total",
				Help:      "Total number of event search requests by outcome",
			},
			[]string{"status"},
		),

		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_window_duration_seconds",
				Help:      "Duration of a single fetch window including streaming the response",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		FetchRecordsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_records_total",
				Help:      "Total number of raw event records extracted from responses",
			},
		),

		FetchWindowErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_window_errors_total",
				Help:      "Total number of failed fetch windows by error type",
			},
			[]string{"error_type"},
		),

		FetchWindowsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_windows_committed_total",
				Help:      "Total number of fetch windows committed to the sink",
			},
		),

		IngestionRecordsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_records_processed_total",
				Help:      "Total number of normalized event records handed to the merge",
			},
		),

		IngestionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_errors_total",
				Help:      "Total number of ingestion errors by type",
			},
			[]string{"error_type"},
		),

		MergeRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_rows_total",
				Help:      "Rows affected by the staging merge by action",
			},
			[]string{"action"}, // "staged", "inserted", "updated"
		),

		MergeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Duration of staging load and upsert",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		MatchCandidates: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "match_candidates",
				Help:      "Unmatched events considered in the last match cycle",
			},
		),

		MatchedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "match_assigned_total",
				Help:      "Events assigned a segment",
			},
		),

		UnmatchedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "match_unmatched_total",
				Help:      "Candidates left without a segment after a match cycle",
			},
		),

		MatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "match_duration_seconds",
				Help:      "Duration of the spatial match phase",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),

		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of each pipeline phase",
				Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
			},
			[]string{"phase"},
		),

		LastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last fully successful pipeline run",
			},
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer
func (c *Collector) NewTimer(histogram prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram,
	}
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordFetch increments the fetch request counter
func (c *Collector) RecordFetch(status string) {
	c.FetchRequestsTotal.WithLabelValues(status).Inc()
}

// RecordWindowError increments the failed window counter
func (c *Collector) RecordWindowError(errorType string) {
	c.FetchWindowErrors.WithLabelValues(errorType).Inc()
}

// RecordIngestionError increments ingestion error counter
func (c *Collector) RecordIngestionError(errorType string) {
	c.IngestionErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordMerge adds the outcome of one staging merge
func (c *Collector) RecordMerge(staged, inserted, updated int64) {
	c.MergeRowsTotal.WithLabelValues("staged").Add(float64(staged))
	c.MergeRowsTotal.WithLabelValues("inserted").Add(float64(inserted))
	c.MergeRowsTotal.WithLabelValues("updated").Add(float64(updated))
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}

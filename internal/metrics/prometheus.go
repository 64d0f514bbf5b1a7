// Package metrics exposes Prometheus instruments for ingestion, scoring,
// duplicate scans, the counts cache and the HTTP surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ae_signal"

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// Engine metrics
	rowsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rows_read_total",
			Help:      "Archive rows read per table kind",
		},
		[]string{"table"},
	)

	rowsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rows_skipped_total",
			Help:      "Archive rows skipped per table kind",
		},
		[]string{"table"},
	)

	casesAssembled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dataset_cases",
			Help:      "Number of cases in the current dataset",
		},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"operation", "outcome"},
	)

	signalsScored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signals_scored",
			Help:      "Number of signals in the latest scoring run",
		},
	)

	duplicateGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "duplicate_groups",
			Help:      "Number of duplicate groups in the latest scan",
		},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counts_cache_lookups_total",
			Help:      "Contingency-count cache lookups by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records one finished HTTP request
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// InFlight tracks a request in progress; call the returned func when done
func InFlight() func() {
	httpRequestsInFlight.Inc()
	return httpRequestsInFlight.Dec
}

// RecordIngestion records the per-table row counters of one ingestion run
func RecordIngestion(read, skipped map[string]int, cases int) {
	for table, n := range read {
		rowsRead.WithLabelValues(table).Add(float64(n))
	}
	for table, n := range skipped {
		rowsSkipped.WithLabelValues(table).Add(float64(n))
	}
	casesAssembled.Set(float64(cases))
}

// RecordOperation records the duration of an engine operation
func RecordOperation(operation string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	operationDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// RecordScoringRun records the size of a scoring run
func RecordScoringRun(signals int) {
	signalsScored.Set(float64(signals))
}

// RecordDuplicateScan records the number of duplicate groups found
func RecordDuplicateScan(groups int) {
	duplicateGroups.Set(float64(groups))
}

// RecordCacheDelta adds cache counters observed since the last call
func RecordCacheDelta(memoryHits, remoteHits, misses, remoteErrors int64) {
	cacheLookups.WithLabelValues("memory_hit").Add(float64(memoryHits))
	cacheLookups.WithLabelValues("remote_hit").Add(float64(remoteHits))
	cacheLookups.WithLabelValues("miss").Add(float64(misses))
	cacheLookups.WithLabelValues("remote_error").Add(float64(remoteErrors))
}

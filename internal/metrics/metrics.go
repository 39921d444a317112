// Package metrics provides Prometheus metrics for the executions copier.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "executions_copier"

// Operation label values.
const (
	OpFetch = "fetch"
	OpStore = "store"
)

// Metrics holds all Prometheus metrics for the copier. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Round metrics
	RoundsCompleted *prometheus.CounterVec
	RoundsFailed    *prometheus.CounterVec
	RoundDuration   *prometheus.HistogramVec

	// Window metrics
	WindowsStored *prometheus.CounterVec
	EmptyWindows  *prometheus.CounterVec
	RecordsStored *prometheus.CounterVec
	BytesStored   *prometheus.CounterVec
	LastCursor    *prometheus.GaugeVec
	FetchDuration *prometheus.HistogramVec
	StoreDuration *prometheus.HistogramVec
	WindowRecords *prometheus.HistogramVec

	// Error metrics
	RetryAttempts    *prometheus.CounterVec
	RetriesExhausted *prometheus.CounterVec
	CatalogErrors    *prometheus.CounterVec

	// Throughput
	RecordsPerSecond *prometheus.GaugeVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

// New registers the copier metrics with reg. A nil reg registers with the
// Prometheus default registry.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	symbol := []string{"symbol"}
	symbolOp := []string{"symbol", "operation"}

	return &Metrics{
		RoundsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rounds_completed_total",
				Help:      "Total number of rounds whose windows were all stored",
			},
			symbol,
		),
		RoundsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rounds_failed_total",
				Help:      "Total number of rounds that failed fatally",
			},
			symbol,
		),
		RoundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "round_duration_seconds",
				Help:      "Time to fetch and store one round of windows",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			symbol,
		),
		WindowsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "windows_stored_total",
				Help:      "Total number of windows durably stored",
			},
			symbol,
		),
		EmptyWindows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "empty_windows_total",
				Help:      "Total number of windows for which the remote returned no records",
			},
			symbol,
		),
		RecordsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_stored_total",
				Help:      "Total number of execution records stored",
			},
			symbol,
		),
		BytesStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_stored_total",
				Help:      "Total number of page bytes written before encoding",
			},
			symbol,
		),
		LastCursor: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_cursor",
				Help:      "Highest sequence ID confirmed durably stored",
			},
			symbol,
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to fetch one window including retries",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			symbol,
		),
		StoreDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_duration_seconds",
				Help:      "Time to store one window including retries",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			symbol,
		),
		WindowRecords: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "window_records",
				Help:      "Number of records per stored window",
				Buckets:   []float64{0, 1, 10, 50, 100, 250, 500},
			},
			symbol,
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			symbolOp,
		),
		RetriesExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_exhausted_total",
				Help:      "Total number of operations that ran out of retries",
			},
			symbolOp,
		),
		CatalogErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of window catalog errors",
			},
			symbol,
		),
		RecordsPerSecond: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "records_per_second",
				Help:      "Record throughput of the current run",
			},
			symbol,
		),
	}
}

// Handler serves the metrics in g and a liveness check.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string, g prometheus.Gatherer) error {
	return http.ListenAndServe(address, Handler(g))
}

// IncRoundsCompleted increments the completed rounds counter.
func (m *Metrics) IncRoundsCompleted(symbol string) {
	if m == nil {
		return
	}
	m.RoundsCompleted.WithLabelValues(symbol).Inc()
}

// IncRoundsFailed increments the failed rounds counter.
func (m *Metrics) IncRoundsFailed(symbol string) {
	if m == nil {
		return
	}
	m.RoundsFailed.WithLabelValues(symbol).Inc()
}

// ObserveRoundDuration records the time spent on one round.
func (m *Metrics) ObserveRoundDuration(symbol string, seconds float64) {
	if m == nil {
		return
	}
	m.RoundDuration.WithLabelValues(symbol).Observe(seconds)
}

// ObserveWindowStored records a stored window.
func (m *Metrics) ObserveWindowStored(symbol string, records int, bytes int) {
	if m == nil {
		return
	}
	m.WindowsStored.WithLabelValues(symbol).Inc()
	m.RecordsStored.WithLabelValues(symbol).Add(float64(records))
	m.BytesStored.WithLabelValues(symbol).Add(float64(bytes))
	m.WindowRecords.WithLabelValues(symbol).Observe(float64(records))
	if records == 0 {
		m.EmptyWindows.WithLabelValues(symbol).Inc()
	}
}

// SetLastCursor sets the last durable cursor.
func (m *Metrics) SetLastCursor(symbol string, cursor uint64) {
	if m == nil {
		return
	}
	m.LastCursor.WithLabelValues(symbol).Set(float64(cursor))
}

// ObserveFetchDuration records the time to fetch one window.
func (m *Metrics) ObserveFetchDuration(symbol string, seconds float64) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(symbol).Observe(seconds)
}

// ObserveStoreDuration records the time to store one window.
func (m *Metrics) ObserveStoreDuration(symbol string, seconds float64) {
	if m == nil {
		return
	}
	m.StoreDuration.WithLabelValues(symbol).Observe(seconds)
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(symbol, operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(symbol, operation).Inc()
}

// IncRetriesExhausted increments the exhausted operations counter.
func (m *Metrics) IncRetriesExhausted(symbol, operation string) {
	if m == nil {
		return
	}
	m.RetriesExhausted.WithLabelValues(symbol, operation).Inc()
}

// IncCatalogErrors increments the catalog errors counter.
func (m *Metrics) IncCatalogErrors(symbol string) {
	if m == nil {
		return
	}
	m.CatalogErrors.WithLabelValues(symbol).Inc()
}

// SetRecordsPerSecond sets the current record throughput.
func (m *Metrics) SetRecordsPerSecond(symbol string, rate float64) {
	if m == nil {
		return
	}
	m.RecordsPerSecond.WithLabelValues(symbol).Set(rate)
}

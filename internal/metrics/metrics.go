// Package metrics defines the Prometheus collectors of ingestion and search
// and exposes a handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	LinesIndexed    prometheus.Counter
	BytesScanned    prometheus.Gauge
	BatchesConsumed prometheus.Counter
	IndexKeys       prometheus.Gauge
	Snapshots       prometheus.Gauge

	SearchesTotal   *prometheus.CounterVec
	SearchDuration  prometheus.Histogram
	SearchChunks    prometheus.Counter
	SearchMatches   prometheus.Counter
	SearchesRunning prometheus.Gauge
}

// New creates all collectors and registers them in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LinesIndexed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "logscope_lines_indexed_total",
				Help: "Total number of lines added to the line index.",
			},
		),
		BytesScanned: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logscope_bytes_scanned",
				Help: "Bytes of the log file consumed by the scanner.",
			},
		),
		BatchesConsumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "logscope_scan_batches_total",
				Help: "Total number of line batches handed over by the scanner.",
			},
		),
		IndexKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logscope_index_keys",
				Help: "Distinct field keys known to the inverted index.",
			},
		),
		Snapshots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logscope_index_snapshots",
				Help: "Count snapshots published by the inverted index.",
			},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logscope_searches_total",
				Help: "Total searches by final state (finished, cancelled, failed).",
			},
			[]string{"state"},
		),
		SearchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "logscope_search_duration_seconds",
				Help:    "Search pipeline run time in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		SearchChunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "logscope_search_chunks_total",
				Help: "Total line chunks matched by search workers.",
			},
		),
		SearchMatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "logscope_search_matches_total",
				Help: "Total matching lines consolidated by searches.",
			},
		),
		SearchesRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logscope_searches_running",
				Help: "Number of search pipelines currently running.",
			},
		),
	}

	m.registry.MustRegister(
		m.LinesIndexed,
		m.BytesScanned,
		m.BatchesConsumed,
		m.IndexKeys,
		m.Snapshots,
		m.SearchesTotal,
		m.SearchDuration,
		m.SearchChunks,
		m.SearchMatches,
		m.SearchesRunning,
	)

	return m
}

// Registry exposes the registry, e.g. to gather values in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the scrape handler of this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IngestBatch(lines int, scanned int64) {
	if m == nil {
		return
	}
	m.BatchesConsumed.Inc()
	m.LinesIndexed.Add(float64(lines))
	m.BytesScanned.Set(float64(scanned))
}

func (m *Metrics) IndexState(keys, snapshots int) {
	if m == nil {
		return
	}
	m.IndexKeys.Set(float64(keys))
	m.Snapshots.Set(float64(snapshots))
}

func (m *Metrics) SearchStarted() {
	if m == nil {
		return
	}
	m.SearchesRunning.Inc()
}

func (m *Metrics) SearchChunk(matches int) {
	if m == nil {
		return
	}
	m.SearchChunks.Inc()
	m.SearchMatches.Add(float64(matches))
}

func (m *Metrics) SearchDone(state string, seconds float64) {
	if m == nil {
		return
	}
	m.SearchesRunning.Dec()
	m.SearchesTotal.WithLabelValues(state).Inc()
	m.SearchDuration.Observe(seconds)
}

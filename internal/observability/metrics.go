package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crrw_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL pipeline.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec // labels: outcome={success,error,skipped,waiting}
	RegionsProduced  *prometheus.CounterVec // labels: level
	TransformErrors  prometheus.Counter
	PipelineRunning  prometheus.Gauge
	LastDataDate     prometheus.Gauge // unix seconds of the last processed data date
	RunDuration      prometheus.Histogram
	DetectChecks     *prometheus.CounterVec   // labels: source, result={updated,stale,error}
	FetchDuration    *prometheus.HistogramVec // labels: source
	LoaderErrors     *prometheus.CounterVec   // labels: loader
	HistoryBatchSize *prometheus.HistogramVec // labels: level
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunsTotal,
		m.RegionsProduced,
		m.TransformErrors,
		m.PipelineRunning,
		m.LastDataDate,
		m.RunDuration,
		m.DetectChecks,
		m.FetchDuration,
		m.LoaderErrors,
		m.HistoryBatchSize,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline passes by outcome.",
		}, []string{"outcome"}),
		RegionsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_produced_total",
			Help:      "Region histories written to the loaders, by level.",
		}, []string{"level"}),
		TransformErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_errors_total",
			Help:      "Regions skipped because their indicators could not be computed.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the watcher is active, 0 when shut down.",
		}),
		LastDataDate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_data_date_seconds",
			Help:      "Unix time of the most recent data date processed.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete extract-transform-load pass.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		DetectChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detect_checks_total",
			Help:      "Source update checks by source and result.",
		}, []string{"source", "result"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Source download duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),
		LoaderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loader_errors_total",
			Help:      "Failed batch loads by loader.",
		}, []string{"loader"}),
		HistoryBatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_batch_size",
			Help:      "Number of region histories per level batch.",
			Buckets:   []float64{1, 10, 50, 100, 200, 500, 1000, 2500, 5000},
		}, []string{"level"}),
	}
}

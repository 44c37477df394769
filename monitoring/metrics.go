package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cropcast"

// Metrics collects pipeline and subscriber metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	rows        prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewMetrics registers the collectors. hub and loaded may be nil.
func NewMetrics(hub *Hub, loaded func() bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by outcome kind (ok or the failure kind).",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall time of a pipeline run.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		rows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_rows",
			Help:      "Rows produced by the last successful run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
	}
	m.registry.MustRegister(
		m.runs, m.runDuration, m.rows, m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if hub != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Connected websocket subscribers.",
		}, func() float64 { return float64(hub.Clients()) }))
	}
	if loaded != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when a model artifact is in memory.",
		}, func() float64 {
			if loaded() {
				return 1
			}
			return 0
		}))
	}
	return m
}

// ObserveRun records one pipeline run. outcome is "ok" or a failure kind.
func (m *Metrics) ObserveRun(outcome string, took time.Duration, rows int) {
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(took.Seconds())
	if outcome == "ok" {
		m.rows.Set(float64(rows))
		m.lastSuccess.SetToCurrentTime()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics provides Prometheus instrumentation for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	RequestsTotal  prometheus.Counter
	ActiveRequests prometheus.Gauge
	BatchesTotal   prometheus.Counter
	BatchSize      prometheus.Histogram
	StepEvents     prometheus.Counter
	WorkersReady   prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogview4_generation_requests_total",
			Help: "Total admitted image generation requests.",
		}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cogview4_active_requests",
			Help: "Requests currently awaiting completion.",
		}),
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogview4_batches_total",
			Help: "Total batches dispatched to workers.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cogview4_batch_size",
			Help:    "Distribution of dispatched batch sizes.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
		}),
		StepEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogview4_step_events_total",
			Help: "Total streaming step events emitted by workers.",
		}),
		WorkersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cogview4_workers_ready",
			Help: "Workers that have loaded the pipeline.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogview4_http_requests_total",
			Help: "HTTP requests by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ActiveRequests,
		m.BatchesTotal,
		m.BatchSize,
		m.StepEvents,
		m.WorkersReady,
		m.HTTPRequests,
	)

	return m
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

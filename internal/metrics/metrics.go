// Package metrics holds the Prometheus collectors for the embedding service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "txtvec"

// Metrics contains all service metrics
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BatchSize       prometheus.Histogram
	TextsEmbedded   prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	ModelLoadTime   prometheus.Gauge
	ModelReady      prometheus.Gauge
	CacheRequests   *prometheus.CounterVec
	WebSocketConns  prometheus.Gauge
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "embed",
				Name:      "duration_seconds",
				Help:      "Batch embedding duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"transport"},
		),

		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "embed",
				Name:      "batch_size",
				Help:      "Number of texts per embedding batch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),

		TextsEmbedded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "embed",
				Name:      "texts_total",
				Help:      "Total number of texts embedded",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "embed",
				Name:      "errors_total",
				Help:      "Total number of failed embedding calls by error code",
			},
			[]string{"code"},
		),

		ModelLoadTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "load_seconds",
				Help:      "Time spent fetching and constructing the model",
			},
		),

		ModelReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "ready",
				Help:      "Model state (0=not loaded, 1=ready)",
			},
		),

		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Batch cache lookups by result",
			},
			[]string{"result"}, // hit, miss
		),

		WebSocketConns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "connections",
				Help:      "Active WebSocket connections",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.BatchSize,
		m.TextsEmbedded,
		m.ErrorsTotal,
		m.ModelLoadTime,
		m.ModelReady,
		m.CacheRequests,
		m.WebSocketConns,
	)
	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordRequest increments the request counter
func (m *Metrics) RecordRequest(route string, status int) {
	m.RequestsTotal.WithLabelValues(route, statusClass(status)).Inc()
}

// RecordBatch records a successful embedding call
func (m *Metrics) RecordBatch(transport string, texts int, duration time.Duration) {
	m.RequestDuration.WithLabelValues(transport).Observe(duration.Seconds())
	m.BatchSize.Observe(float64(texts))
	m.TextsEmbedded.Add(float64(texts))
}

// RecordError increments the error counter for an error code
func (m *Metrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordModelLoaded records a finished model load
func (m *Metrics) RecordModelLoaded(loadTime time.Duration) {
	m.ModelLoadTime.Set(loadTime.Seconds())
	m.ModelReady.Set(1)
}

// RecordCache increments the cache lookup counter
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.CacheRequests.WithLabelValues("hit").Inc()
		return
	}
	m.CacheRequests.WithLabelValues("miss").Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

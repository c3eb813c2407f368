package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the HTTP and pipeline collectors on their own registry.
type Metrics struct {
	reg *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight prometheus.Gauge

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	runsActive    prometheus.Gauge
	images        *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecranner", Name: "http_requests_total", Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ecranner", Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecranner", Name: "http_requests_in_flight", Help: "Requests being served.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecranner", Name: "runs_total", Help: "Pipeline runs by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ecranner", Name: "run_duration_seconds", Help: "Pipeline run duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecranner", Name: "runs_active", Help: "Pipeline runs in progress.",
		}),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecranner", Name: "images_scanned_total", Help: "Scanned images by status.",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecranner", Name: "notifications_total", Help: "Slack notifications by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.latency, m.inflight,
		m.runs, m.runDuration, m.runsActive, m.images, m.notifications,
	)
	return m
}

// Registry exposes the registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Middleware tracks request metrics labelled by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inflight.Inc()
		defer m.inflight.Dec()

		start := time.Now()
		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RunStarted marks a pipeline run as active; call the returned func when it ends.
func (m *Metrics) RunStarted() func() {
	m.runsActive.Inc()
	return m.runsActive.Dec
}

// ObserveRun records the outcome of one pipeline run.
func (m *Metrics) ObserveRun(result string, scanned, absent, delivered, failed int, took time.Duration) {
	m.runs.WithLabelValues(result).Inc()
	m.runDuration.Observe(took.Seconds())
	m.images.WithLabelValues("success").Add(float64(scanned - absent))
	m.images.WithLabelValues("absent").Add(float64(absent))
	m.notifications.WithLabelValues("delivered").Add(float64(delivered))
	m.notifications.WithLabelValues("failed").Add(float64(failed))
}

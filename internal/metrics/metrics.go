// Package metrics provides Prometheus metrics for the API service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "statikk"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds all collectors of the service. A nil *Metrics is valid and
// records nothing, which keeps metrics optional for callers.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimitHits   *prometheus.CounterVec
	BuildsStarted   prometheus.Counter
	BuildsStopped   prometheus.Counter
	BuildsTimedOut  prometheus.Counter
	DispatchFailure *prometheus.CounterVec
	EventsTotal     *prometheus.CounterVec
	LiveConnections prometheus.Gauge
	BroadcastDrops  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route"}),
		BuildsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builds",
			Name:      "started_total",
			Help:      "Builds created and dispatched to workers",
		}),
		BuildsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builds",
			Name:      "stopped_total",
			Help:      "Builds cancelled on request",
		}),
		BuildsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builds",
			Name:      "timed_out_total",
			Help:      "Builds failed by the stale build sweeper",
		}),
		DispatchFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builds",
			Name:      "dispatch_failures_total",
			Help:      "Commands that could not be published, by action",
		}, []string{"action"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Worker events consumed by kind and outcome",
		}, []string{"kind", "outcome"}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "connections",
			Help:      "Open live viewer connections",
		}),
		BroadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a buffer was full, by stage",
		}, []string{"stage"}),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RateLimitHits,
		m.BuildsStarted,
		m.BuildsStopped,
		m.BuildsTimedOut,
		m.DispatchFailure,
		m.EventsTotal,
		m.LiveConnections,
		m.BroadcastDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a handled HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.RequestsTotal.WithLabelValues(method, route, code).Inc()
	m.RequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// RecordRateLimitHit counts a rejected request.
func (m *Metrics) RecordRateLimitHit(route string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(route).Inc()
}

// BuildStarted counts a dispatched build.
func (m *Metrics) BuildStarted() {
	if m == nil {
		return
	}
	m.BuildsStarted.Inc()
}

// BuildStopped counts a cancelled build.
func (m *Metrics) BuildStopped() {
	if m == nil {
		return
	}
	m.BuildsStopped.Inc()
}

// BuildTimedOut counts a build failed by the sweeper.
func (m *Metrics) BuildTimedOut() {
	if m == nil {
		return
	}
	m.BuildsTimedOut.Inc()
}

// DispatchFailed counts a publish failure for action.
func (m *Metrics) DispatchFailed(action string) {
	if m == nil {
		return
	}
	m.DispatchFailure.WithLabelValues(action).Inc()
}

// EventConsumed counts a worker event by kind and outcome.
func (m *Metrics) EventConsumed(kind, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, outcome).Inc()
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.LiveConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.LiveConnections.Dec()
}

// FrameDropped counts a frame lost to backpressure at stage ("hub" or "client").
func (m *Metrics) FrameDropped(stage string) {
	if m == nil {
		return
	}
	m.BroadcastDrops.WithLabelValues(stage).Inc()
}

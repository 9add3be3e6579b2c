// Package metrics exposes process-wide Prometheus collectors for the HTTP
// surface and notification fan-out. Tracker session metrics live in
// progress/sinks.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	websocketClients           prometheus.Gauge
	notificationsTotal         *prometheus.CounterVec
	jobStartsTotal             *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_router_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inbox_router_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)

		websocketClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "inbox_router_websocket_clients",
				Help: "Number of connected notification websocket clients.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_router_notifications_total",
				Help: "Completion notifications fanned out, labeled by kind.",
			},
			[]string{"kind"},
		)

		jobStartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_router_job_start_requests_total",
				Help: "Job start requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncWebsocketClients increments the connected websocket gauge.
func IncWebsocketClients() {
	websocketClients.Inc()
}

// DecWebsocketClients decrements the connected websocket gauge.
func DecWebsocketClients() {
	websocketClients.Dec()
}

// ObserveNotification counts one notification of the given kind.
func ObserveNotification(kind string) {
	notificationsTotal.WithLabelValues(kind).Inc()
}

// ObserveJobStart counts a job start request by outcome
// (started, conflict, invalid, throttled, error).
func ObserveJobStart(outcome string) {
	jobStartsTotal.WithLabelValues(outcome).Inc()
}

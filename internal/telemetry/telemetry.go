// Package telemetry exports server metrics to Prometheus and serves them,
// together with a health probe, over HTTP.
package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gonzalop/sftpd/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sftpd"

// Collector implements server.MetricsCollector on Prometheus metrics.
//
// Metrics collected:
//   - sftpd_connections_total{result,reason}
//   - sftpd_auth_attempts_total{result,method}
//   - sftpd_active_sessions
//   - sftpd_requests_total{method,result}
//   - sftpd_request_duration_seconds{method}
//   - sftpd_transfer_bytes_total{direction}
//   - sftpd_transfer_duration_seconds{direction}
//
// User names are never used as label values to keep cardinality bounded.
type Collector struct {
	connections      *prometheus.CounterVec
	authAttempts     *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
}

var _ server.MetricsCollector = (*Collector)(nil)

// NewCollector registers the server metrics with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connection attempts at the listener by outcome",
		}, []string{"result", "reason"}),

		authAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by outcome and method",
		}, []string{"result", "method"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of authenticated sessions",
		}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "SFTP requests by method and outcome",
		}, []string{"method", "result"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "SFTP request handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes transferred by direction",
		}, []string{"direction"}),

		transferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Lifetime of file handles in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"direction"}),
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordConnection counts a connection by outcome and reason.
func (c *Collector) RecordConnection(accepted bool, reason string) {
	r := "rejected"
	if accepted {
		r = "accepted"
	}
	c.connections.WithLabelValues(r, reason).Inc()
}

// RecordAuthentication counts an attempt by result and method. The user
// name is not a label, to keep cardinality bounded.
func (c *Collector) RecordAuthentication(success bool, _ string, method server.AuthMethod) {
	c.authAttempts.WithLabelValues(result(success), string(method)).Inc()
}

// RecordSessionActive moves the active sessions gauge by delta.
func (c *Collector) RecordSessionActive(delta int) {
	c.activeSessions.Add(float64(delta))
}

// RecordRequest counts an SFTP request and observes its latency.
func (c *Collector) RecordRequest(method string, success bool, duration time.Duration) {
	c.requests.WithLabelValues(method, result(success)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordTransfer adds the bytes of a closed file handle and observes how
// long it was open.
func (c *Collector) RecordTransfer(direction string, bytes int64, duration time.Duration) {
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	c.transferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// NewHandler returns the telemetry HTTP handler:
//
//	GET /metrics  Prometheus exposition of gatherer
//	GET /healthz  200 "ok" while healthy() is true, 503 otherwise
func NewHandler(gatherer prometheus.Gatherer, healthy func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("stopped\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Package metrics provides Prometheus instrumentation for portmux.
//
// Every method is safe on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for portmux.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ActiveConnections prometheus.Gauge
	Connections       *prometheus.CounterVec
	Classifications   *prometheus.CounterVec
	ConnectionErrors  *prometheus.CounterVec

	// RPC metrics
	RPCCalls       *prometheus.CounterVec
	TransportBytes *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	WorkerRejection prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "portmux"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open connections",
		}),
		Connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted or rejected connections",
		}, []string{"status"}),
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Connection classification outcomes",
		}, []string{"outcome", "protocol"}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Errors that closed a connection",
		}, []string{"protocol", "error_type"}),
		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC calls by service and outcome",
		}, []string{"service", "status"}),
		TransportBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_bytes_total",
			Help:      "Bytes consumed and produced by RPC transports",
		}, []string{"direction"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code",
		}, []string{"method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		WorkerRejection: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_rejections_total",
			Help:      "Tasks refused by the worker pool",
		}),
	}
}

// Registry returns the registry all metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.Connections.WithLabelValues("accepted").Inc()
}

func (m *Metrics) ConnRejected() {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues("rejected").Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// Classified records a classification outcome (http, rpc, unmatched).
func (m *Metrics) Classified(outcome, protocol string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(outcome, protocol).Inc()
}

func (m *Metrics) ConnError(protocol, errType string) {
	if m == nil {
		return
	}
	m.ConnectionErrors.WithLabelValues(protocol, errType).Inc()
}

// RPCCall records one dispatched call and its transport byte counts.
func (m *Metrics) RPCCall(service, status string, consumed, produced int) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(service, status).Inc()
	m.TransportBytes.WithLabelValues("in").Add(float64(consumed))
	m.TransportBytes.WithLabelValues("out").Add(float64(produced))
}

func (m *Metrics) HTTPRequest(method string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.WorkerRejection.Inc()
}

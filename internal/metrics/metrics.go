// Package metrics defines the Prometheus metrics exported by the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kephasgate"

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ThrottledTotal      prometheus.Counter
	Connections         *prometheus.GaugeVec
	CommandsTotal       *prometheus.CounterVec
	BroadcastDeliveries *prometheus.CounterVec
	BrokerErrors        *prometheus.CounterVec
}

// New creates the metrics on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of dispatched HTTP requests",
		}, []string{"method", "route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP dispatch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		ThrottledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "throttled_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}),

		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Number of live connections",
		}, []string{"mode"}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Total number of connection commands handled",
		}, []string{"action", "status"}),

		BroadcastDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Total number of events queued to local connections",
		}, []string{"scope"}),

		BrokerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "errors_total",
			Help:      "Total number of cross-process broker failures",
		}, []string{"op"}),
	}
}

// Registry returns the underlying Prometheus registry.
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

// ObserveRequest records a finalized HTTP dispatch.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Throttled records a rate limited request.
func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.ThrottledTotal.Inc()
}

// ConnectionOpened increments the live connection gauge for mode.
func (m *Metrics) ConnectionOpened(mode string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(mode).Inc()
}

// ConnectionClosed decrements the live connection gauge for mode.
func (m *Metrics) ConnectionClosed(mode string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(mode).Dec()
}

// Command records a handled connection command.
func (m *Metrics) Command(action string, status int) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(action, strconv.Itoa(status)).Inc()
}

// Delivered records n events queued to local connections.
func (m *Metrics) Delivered(scope string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BroadcastDeliveries.WithLabelValues(scope).Add(float64(n))
}

// BrokerError records a broker failure for op ("publish", "subscribe", "decode").
func (m *Metrics) BrokerError(op string) {
	if m == nil {
		return
	}
	m.BrokerErrors.WithLabelValues(op).Inc()
}

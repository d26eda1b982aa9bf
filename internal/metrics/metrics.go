// Package metrics exposes Prometheus instrumentation for the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	MessagesInbound   *prometheus.CounterVec
	MessagesRouted    *prometheus.CounterVec
	MessagesDropped   prometheus.Counter
	MessagesCoalesced *prometheus.CounterVec
	HandlerFailures   *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
}

// New creates the collector set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fusionhub_connections_active",
			Help: "Number of currently registered WebSocket connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fusionhub_connections_total",
			Help: "Total connections accepted since start.",
		}),
		MessagesInbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fusionhub_messages_inbound_total",
			Help: "Inbound messages dispatched, by message type.",
		}, []string{"type"}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fusionhub_messages_routed_total",
			Help: "Outbound messages enqueued for delivery, by message type.",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fusionhub_messages_dropped_total",
			Help: "Outbound messages dropped because the connection was gone.",
		}),
		MessagesCoalesced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fusionhub_messages_coalesced_total",
			Help: "Queued messages replaced by a newer frame of the same type.",
		}, []string{"type"}),
		HandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fusionhub_handler_failures_total",
			Help: "Handler errors and recovered panics, by message type.",
		}, []string{"type"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fusionhub_protocol_errors_total",
			Help: "Rejected inbound frames, by error code.",
		}, []string{"code"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fusionhub_dispatch_duration_seconds",
			Help:    "Handler execution time, by message type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ripple"

// Metrics are the server's Prometheus collectors.
type Metrics struct {
	connections   prometheus.Gauge
	connects      *prometheus.CounterVec
	disconnects   *prometheus.CounterVec
	published     *prometheus.CounterVec
	deliveries    prometheus.Counter
	buffered      prometheus.Counter
	rateLimited   *prometheus.CounterVec
	reconnections *prometheus.CounterVec
	presence      *prometheus.CounterVec
	fanout        prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Live WebSocket connections.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connects_total",
			Help:      "Accepted connections by kind (new or recovered).",
		}, []string{"kind"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Closed connections by reason.",
		}, []string{"reason"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_published_total",
			Help:      "Events published by target scope.",
		}, []string{"scope"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_deliveries_total",
			Help:      "Envelopes queued to live sockets.",
		}),
		buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_buffered_total",
			Help:      "Events buffered for absent users.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Inbound events rejected by the rate limiter, by reason.",
		}, []string{"reason"}),
		reconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnections_total",
			Help:      "Reconnection attempts by result.",
		}, []string{"result"}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "presence_transitions_total",
			Help:      "Presence transitions by new status.",
		}, []string{"status"}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_fanout",
			Help:      "Sockets reached per published event.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.connects, m.disconnects, m.published, m.deliveries,
			m.buffered, m.rateLimited, m.reconnections, m.presence, m.fanout)
	}
	return m
}

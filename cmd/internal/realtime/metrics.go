package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	connections   prometheus.Gauge
	subscriptions prometheus.Gauge
	requests      *prometheus.CounterVec
	changes       *prometheus.CounterVec
	rejected      *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket sessions.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "ws",
			Name:      "subscriptions",
			Help:      "Live topic subscriptions across all sessions.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "ws",
			Name:      "requests_total",
			Help:      "Envelopes handled, by type and result code.",
		}, []string{"type", "result"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "ws",
			Name:      "changes_total",
			Help:      "Feed changes pushed to sessions, by outcome.",
		}, []string{"outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "ws",
			Name:      "handshake_rejected_total",
			Help:      "Upgrade requests refused before the websocket was accepted.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.subscriptions, m.requests, m.changes, m.rejected)
	}
	return m
}

func (m *Metrics) request(typ, result string) {
	m.requests.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) change(outcome string) {
	m.changes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) reject(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

type Metrics struct {
	ConnectedSessions prometheus.Gauge
	MessagesRelayed   *prometheus.CounterVec
	BroadcastErrors   prometheus.Counter
	Handshakes        *prometheus.CounterVec
}

// New registers the relay collectors with reg and returns them. Tests pass
// their own prometheus.NewRegistry to keep collectors isolated.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_sessions",
			Help:      "Number of currently connected editor sessions",
		}),
		MessagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Messages relayed to peers, by message type",
		}, []string{"type"}),
		BroadcastErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_errors_total",
			Help:      "Failed frame writes during broadcast",
		}),
		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "WebSocket handshake attempts, by result",
		}, []string{"result"}),
	}
}

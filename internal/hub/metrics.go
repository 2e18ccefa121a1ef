package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veil_ws_connections_active",
		Help: "Number of live WebSocket sessions.",
	})

	messagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_messages_relayed_total",
		Help: "Direct messages delivered to an online recipient.",
	})

	deliveryMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_delivery_misses_total",
		Help: "Accepted messages whose recipient had no live session.",
	})

	socketErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veil_socket_errors_total",
		Help: "Error envelopes sent back on a session, by kind.",
	}, []string{"kind"})
)

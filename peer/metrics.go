package peer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "peer",
		Name:      "messages_sent_total",
		Help:      "Messages written to a peer stream.",
	}, []string{"kind"})

	receivedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "peer",
		Name:      "messages_received_total",
		Help:      "Messages read off a peer stream.",
	}, []string{"kind"})

	droppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "peer",
		Name:      "messages_dropped_total",
		Help:      "Inbound messages dropped before dispatch.",
	}, []string{"kind", "reason"})
)

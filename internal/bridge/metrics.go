package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_connected_agents",
		Help: "Number of agent sessions currently registered.",
	})

	metricRPCInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_rpcs_in_flight",
		Help: "Pending operation RPCs awaiting an agent response.",
	})

	metricRPCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_rpcs_total",
		Help: "Completed operation RPCs by outcome.",
	}, []string{"outcome"})

	metricSessionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sessions_superseded_total",
		Help: "Sessions replaced by a newer handshake from the same user.",
	})
)

const (
	outcomeSuccess      = "success"
	outcomeError        = "error"
	outcomeTimeout      = "timeout"
	outcomeDisconnected = "disconnected"
	outcomeBackpressure = "backpressure"
)

package tsoclient

import "github.com/prometheus/client_golang/prometheus"

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tso",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Counter of requests issued by type.",
		}, []string{"type"})

	retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tso",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Counter of request retries by type.",
		}, []string{"type"})

	transitionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tso",
			Subsystem: "client",
			Name:      "state_transitions_total",
			Help:      "Counter of connection state transitions by target state.",
		}, []string{"state"})
)

func init() {
	prometheus.MustRegister(requestCounter)
	prometheus.MustRegister(retryCounter)
	prometheus.MustRegister(transitionCounter)
}

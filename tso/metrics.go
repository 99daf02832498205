package tso

import "github.com/prometheus/client_golang/prometheus"

var (
	persistBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tso",
			Subsystem: "persist",
			Name:      "batches_total",
			Help:      "Counter of persisted batches by outcome.",
		}, []string{"outcome"})

	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tso",
			Subsystem: "persist",
			Name:      "flush_duration_seconds",
			Help:      "Bucketed histogram of commit table flush latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tso",
			Name:      "requests_total",
			Help:      "Counter of client requests by type.",
		}, []string{"type"})

	requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tso",
			Name:      "request_decision_duration_seconds",
			Help:      "Bucketed histogram of the time from receiving a request to deciding it.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}, []string{"type"})

	batchPoolAcquisitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tso",
			Subsystem: "batch_pool",
			Name:      "acquisitions_total",
			Help:      "Counter of batches taken from the pool.",
		})
)

func init() {
	prometheus.MustRegister(persistBatches)
	prometheus.MustRegister(flushDuration)
	prometheus.MustRegister(requestCounter)
	prometheus.MustRegister(requestLatency)
	prometheus.MustRegister(batchPoolAcquisitions)
}

// Package metrics registers the prometheus instruments operators consult
// to monitor broadcast health, matching latency, and queue lag. All
// instruments are registered against the default registry and exposed by
// pkg/api via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BroadcastQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matcherd",
		Subsystem: "broadcast",
		Name:      "queued_total",
		Help:      "Exchange transactions submitted to the broadcaster.",
	})

	BroadcastAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matcherd",
		Subsystem: "broadcast",
		Name:      "attempts_total",
		Help:      "Broadcast attempts made against the blockchain context.",
	})

	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matcherd",
		Subsystem: "broadcast",
		Name:      "failures_total",
		Help:      "Broadcast attempts that returned an error or were rejected.",
	})

	BroadcastExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matcherd",
		Subsystem: "broadcast",
		Name:      "expired_total",
		Help:      "Jobs abandoned after their inclusion deadline elapsed.",
	})

	BroadcastTimeToInclusion = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "matcherd",
		Subsystem: "broadcast",
		Name:      "time_to_inclusion_seconds",
		Help:      "Time from submission to the transaction being observed forged.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	MatchingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "matcherd",
		Subsystem: "matching",
		Name:      "event_apply_seconds",
		Help:      "Time an OrderBookActor spends applying one queue event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pair"})

	QueueLag = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "matcherd",
		Subsystem: "queue",
		Name:      "lag_events",
		Help:      "Difference between the queue's last appended offset and the last processed offset.",
	})

	SnapshotsTaken = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matcherd",
		Subsystem: "snapshot",
		Name:      "taken_total",
		Help:      "Snapshots written per pair.",
	}, []string{"pair"})
)

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	holdOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_hold_operations_total",
			Help: "Hold operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	holdOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reservation_hold_operation_duration_seconds",
			Help:    "Latency of hold operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)

	strategyConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_concurrency_conflicts_total",
			Help: "Optimistic version conflicts, including ones that were retried",
		},
		[]string{"strategy"},
	)

	holdsReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_holds_reclaimed_total",
			Help: "Expired holds returned to the pool",
		},
		[]string{"source"},
	)

	reclaimFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reservation_reclaim_failures_total",
			Help: "Holds the reclaimer failed to process and left for the next run",
		},
	)

	reclaimRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reservation_reclaim_run_duration_seconds",
			Help:    "Duration of a reclaimer scan",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)

	availabilityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_availability_lookups_total",
			Help: "Availability reads by cache result",
		},
		[]string{"result"},
	)

	availabilityInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reservation_availability_invalidations_total",
			Help: "Snapshot invalidations triggered by unit mutations",
		},
	)

	eventHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_event_handler_failures_total",
			Help: "Post-commit event handlers that returned an error",
		},
		[]string{"topic"},
	)
)

// TrackHoldOperation records the outcome and latency of one arbiter call.
func TrackHoldOperation(operation, outcome string, took time.Duration) {
	holdOperations.WithLabelValues(operation, outcome).Inc()
	holdOperationDuration.WithLabelValues(operation).Observe(took.Seconds())
}

func TrackConflict(strategy string) {
	strategyConflicts.WithLabelValues(strategy).Inc()
}

// TrackReclaimed counts holds expired by the periodic scan ("scan") or the
// redis expiry timer ("timer").
func TrackReclaimed(source string, n int) {
	holdsReclaimed.WithLabelValues(source).Add(float64(n))
}

func TrackReclaimFailure() {
	reclaimFailures.Inc()
}

func TrackReclaimRun(took time.Duration) {
	reclaimRunDuration.Observe(took.Seconds())
}

// TrackAvailabilityLookup takes "hit", "miss" or "error".
func TrackAvailabilityLookup(result string) {
	availabilityLookups.WithLabelValues(result).Inc()
}

func TrackInvalidation() {
	availabilityInvalidations.Inc()
}

func TrackHandlerFailure(topic string) {
	eventHandlerFailures.WithLabelValues(topic).Inc()
}

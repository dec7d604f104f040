package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Yolt-group/site-management-sub001/internal/events"
)

var (
	completionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "site_management",
		Subsystem: "activities",
		Name:      "completion_duration_seconds",
		Help:      "Elapsed time between an activity's start event and its refresh phase completing, per start kind.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"start_kind"})

	forceClosedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "site_management",
		Subsystem: "activities",
		Name:      "force_closed_total",
		Help:      "Number of stale activities force-closed by the sweeper, per start kind.",
	}, []string{"start_kind"})

	lastCompletionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "site_management",
		Subsystem: "activities",
		Name:      "last_completion_timestamp_seconds",
		Help:      "Unix timestamp of the most recent refresh phase completion.",
	})
)

func init() {
	prometheus.MustRegister(completionDuration, forceClosedCounter, lastCompletionGauge)
}

// RecordActivityCompleted observes one refresh-phase completion.
func RecordActivityCompleted(kind events.StartKind, elapsed time.Duration, at time.Time) {
	completionDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	if !at.IsZero() {
		lastCompletionGauge.Set(float64(at.Unix()))
	}
}

// RecordForceClosed counts one sweeper force-close.
func RecordForceClosed(kind events.StartKind) {
	forceClosedCounter.WithLabelValues(string(kind)).Inc()
}

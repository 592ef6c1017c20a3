package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aerotrain"

var (
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Training sessions started, by mode and whether progress was resumed.",
	}, []string{"mode", "resumed"})

	SessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_completed_total",
		Help:      "Training sessions completed, by mode and outcome.",
	}, []string{"mode", "outcome"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently held in memory.",
	})

	ProgressSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_saves_total",
		Help:      "Progress writes, by result.",
	}, []string{"result"})

	ScoreHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_score_percent",
		Help:      "Score of completed sessions.",
		Buckets:   prometheus.LinearBuckets(10, 10, 10),
	}, []string{"mode"})
)

// Outcome labels a completed session for SessionsCompleted.
func Outcome(passed, timedOut bool) string {
	switch {
	case timedOut:
		return "timeout"
	case passed:
		return "passed"
	default:
		return "failed"
	}
}

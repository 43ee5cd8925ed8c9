// Package metrics provides Prometheus instrumentation for engine operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualcore_lock_acquisitions_total",
		Help: "Total file lock acquisitions by mode and status",
	}, []string{"mode", "status"})

	lockWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qualcore_lock_wait_duration_seconds",
		Help:    "Time spent waiting for file lock acquisition",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"mode"})

	stateSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualcore_state_saves_total",
		Help: "Total state document saves by status",
	}, []string{"status"})

	stateSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qualcore_state_save_duration_seconds",
		Help:    "Duration of atomic state saves",
		Buckets: prometheus.DefBuckets,
	})

	bufferFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualcore_buffer_flushes_total",
		Help: "Total write buffer flushes by trigger and status",
	}, []string{"trigger", "status"})

	eventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualcore_events_appended_total",
		Help: "Total events appended to the journal by type",
	}, []string{"event_type"})

	saturationScoreGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qualcore_saturation_score",
		Help: "Most recent composite saturation score (0-100)",
	})
)

// ObserveLockAcquisition records a lock acquisition attempt outcome.
func ObserveLockAcquisition(exclusive bool, success bool, wait time.Duration) {
	mode := "shared"
	if exclusive {
		mode = "exclusive"
	}
	status := "acquired"
	if !success {
		status = "timeout"
	}
	lockAcquisitionsTotal.WithLabelValues(mode, status).Inc()
	lockWaitDuration.WithLabelValues(mode).Observe(wait.Seconds())
}

// ObserveStateSave records a completed (or failed) state save.
func ObserveStateSave(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	stateSavesTotal.WithLabelValues(status).Inc()
	if success {
		stateSaveDuration.Observe(duration.Seconds())
	}
}

// ObserveBufferFlush records a write buffer flush attempt.
// Trigger is "threshold" or "explicit".
func ObserveBufferFlush(trigger string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	bufferFlushesTotal.WithLabelValues(trigger, status).Inc()
}

// ObserveEventAppended records an event log append by event type.
func ObserveEventAppended(eventType string) {
	eventsAppendedTotal.WithLabelValues(eventType).Inc()
}

// SetSaturationScore publishes the most recent composite score.
func SetSaturationScore(score int) {
	saturationScoreGauge.Set(float64(score))
}

package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SamplesIngested counts samples accepted into a channel buffer.
	SamplesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biostate_samples_ingested_total",
		Help: "Samples accepted into channel buffers",
	}, []string{"channel"})

	// SamplesDropped counts samples rejected at ingestion.
	SamplesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biostate_samples_dropped_total",
		Help: "Samples dropped at ingestion (nan, arity, unknown_channel)",
	}, []string{"channel", "reason"})

	// Ticks counts scheduler ticks by outcome (classified, buffering,
	// stale, skipped).
	Ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biostate_ticks_total",
		Help: "Scheduler ticks by outcome",
	}, []string{"outcome"})

	// FeatureUnavailable counts extractor results that were unavailable.
	FeatureUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biostate_feature_unavailable_total",
		Help: "Feature extractions that produced no value",
	}, []string{"metric"})

	// StateTransitions counts persistent state changes.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biostate_state_transitions_total",
		Help: "Persistent state transitions",
	}, []string{"from", "to"})

	// Calibrations counts finished calibration runs by result.
	Calibrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biostate_calibrations_total",
		Help: "Calibration runs by result (complete, failed)",
	}, []string{"result"})

	// TickDuration observes how long extraction plus classification take.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "biostate_tick_duration_seconds",
		Help:    "Time spent in one scheduler tick",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
)

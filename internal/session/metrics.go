package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_barge_in_events_total",
		Help: "Barge-in stops triggered while the assistant was speaking",
	})

	metricBargeInFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_barge_in_flushed_frames_total",
		Help: "Queued outbound frames discarded on barge-in",
	})

	metricFirstTokenMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_first_token_ms",
		Help:    "Latency from end of user speech to first LLM token (ms)",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	metricFirstAudioMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_first_audio_ms",
		Help:    "Latency from end of user speech to first outbound frame (ms)",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	metricTurnE2EMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_turn_e2e_ms",
		Help:    "End-to-end turn latency (ms)",
		Buckets: prometheus.ExponentialBuckets(100, 1.6, 10),
	})

	metricEventDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_session_event_drops_total",
		Help: "Session events dropped due to a slow consumer",
	})

	metricProviderStageSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_provider_stage_seconds_total",
		Help: "Provider time consumed per pipeline stage, for cost accounting",
	}, []string{"stage"})

	metricFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_provider_failover_total",
		Help: "Backend failover events",
	})

	gaugeActiveBackend = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tom_active_backend",
		Help: "Active backend for the most recent session (0=provider, 1=local)",
	})
)

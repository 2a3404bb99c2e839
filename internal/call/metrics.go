package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_call_state_transitions_total",
		Help: "Call FSM state transitions",
	}, []string{"from", "to"})

	metricBargeInStopMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_call_barge_in_stop_ms",
		Help:    "Time for stop_output to return on barge-in (ms)",
		Buckets: prometheus.ExponentialBuckets(1, 1.8, 10),
	})

	metricFirstAudioLatencyMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_call_first_audio_latency_ms",
		Help:    "Latency from turn routing to first assistant audio (ms)",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	metricTurnTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_call_turn_tokens",
		Help:    "Tokens generated per assistant turn",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

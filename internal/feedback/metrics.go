package feedback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_feedback_appends_total",
		Help: "Feedback events durably appended",
	})

	metricOutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tom_feedback_outbox_depth",
		Help: "Events held in the in-memory outbox",
	})

	metricOutboxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_feedback_outbox_dropped_total",
		Help: "Events dropped from a full outbox",
	})

	metricPersistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_feedback_persist_retries_total",
		Help: "Retry rounds after a failed durable append",
	})
)

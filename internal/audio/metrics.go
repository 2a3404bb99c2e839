package audio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_bus_frames_dropped_total",
		Help: "Frames evicted from a full bus queue (backpressure)",
	})
)

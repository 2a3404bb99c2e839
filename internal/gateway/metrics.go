package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_gateway_connections_total",
		Help: "Accepted call connections",
	})

	metricAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_gateway_auth_failures_total",
		Help: "Rejected connections (token or nonce)",
	})

	metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_gateway_rate_limited_total",
		Help: "Connections closed for exceeding the message rate",
	})

	metricFrameTooLarge = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_gateway_frame_too_large_total",
		Help: "Inbound frames rejected for size",
	})

	metricFramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_gateway_frames_in_total",
		Help: "Inbound audio frames accepted",
	})

	metricFramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_gateway_frames_out_total",
		Help: "Outbound audio frames written",
	})
)

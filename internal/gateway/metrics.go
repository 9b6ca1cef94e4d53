package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions",
		Help: "Consumer sessions currently connected.",
	})

	metricMessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_session_messages_total",
		Help: "Inbound session messages by type.",
	}, []string{"type"})

	metricEventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_delivered_total",
		Help: "Broker events delivered to sessions by type.",
	}, []string{"type"})

	metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Session messages rejected by the rate limiter.",
	})
)

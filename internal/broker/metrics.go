package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broker_messages_received_total",
		Help: "Raw frames received from the broker connection.",
	}, []string{"broker"})

	metricMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broker_messages_sent_total",
		Help: "Frames sent to the broker connection.",
	}, []string{"broker"})

	metricReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broker_reconnects_total",
		Help: "Broker reconnect cycles.",
	}, []string{"broker"})

	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_broker_queue_depth",
		Help: "Outbound messages buffered while disconnected.",
	}, []string{"broker"})

	metricCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_broker_circuit_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"broker"})

	metricBatchSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_broker_batch_size",
		Help: "Current adaptive flush batch size.",
	}, []string{"broker"})
)

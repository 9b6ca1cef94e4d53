package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_pool_connections",
		Help: "Broker connections currently pooled.",
	})

	metricPoolHealthyRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_pool_healthy_ratio",
		Help: "Fraction of pooled connections passing health checks.",
	})

	metricPoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_pool_evictions_total",
		Help: "Pooled connections evicted.",
	})

	metricPoolResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_pool_resets_total",
		Help: "Full pool resets triggered by degraded health.",
	})
)

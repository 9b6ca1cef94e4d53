package tokens

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRefreshed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_token_refreshes_total",
		Help: "Successful token refreshes by tier.",
	}, []string{"tier"})

	metricRefreshFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_token_refresh_failures_total",
		Help: "Failed token refresh attempts by tier.",
	}, []string{"tier"})

	metricRefreshSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_token_refresh_skipped_total",
		Help: "Refreshes skipped because the token was already fresh or in flight.",
	})

	metricInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_token_invalidations_total",
		Help: "Credentials permanently invalidated after repeated failures.",
	})

	metricRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_token_refresh_duration_seconds",
		Help:    "Wall-clock duration of individual token refreshes.",
		Buckets: prometheus.DefBuckets,
	})
)

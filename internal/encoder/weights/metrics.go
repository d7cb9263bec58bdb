package weights

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bart_weights_fetched_bytes_total",
		Help: "Packed tensor bytes read from the weight container",
	})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bart_weights_fetch_duration_seconds",
		Help:    "Time spent reading one tensor payload",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	dequantDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bart_weights_dequantize_duration_seconds",
		Help:    "Time spent dequantizing one tensor, by ggml type",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"type"})
)

package encoder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokenizationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bart_tokenization_duration_seconds",
		Help:    "Time spent in tokenization",
		Buckets: prometheus.DefBuckets,
	})

	tokensProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bart_tokens_total",
		Help: "Total number of tokens produced by the tokenizer",
	})

	layerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bart_layer_duration_seconds",
		Help:    "Time spent fetching and projecting one encoder layer",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"layer", "device"})

	encodeCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bart_encode_total",
		Help: "Encode calls by outcome",
	}, []string{"status"})
)

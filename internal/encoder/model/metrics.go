package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProjectionDuration tracks time spent in one q/k/v projection
	ProjectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bart_projection_duration_seconds",
		Help:    "Time spent in one attention projection",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"projection", "device"})
)

package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tensorOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bart_device_tensor_ops_total",
		Help: "Total number of tensor operations executed, by backend and op",
	}, []string{"backend", "op"})

	tensorAllocBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bart_device_alloc_bytes_total",
		Help: "Total bytes allocated for tensor storage, by backend",
	}, []string{"backend"})

	matmulFlops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bart_device_matmul_flops_total",
		Help: "Floating point operations issued through matrix multiplication",
	})
)

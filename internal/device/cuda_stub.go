package device

import "fmt"

// NewCudaBackend fails: no CUDA kernels are compiled into this build.
func NewCudaBackend() (Backend, error) {
	return nil, fmt.Errorf("%w: cuda backend is not built, use cpu", ErrDeviceUnavailable)
}

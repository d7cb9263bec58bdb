package device

import "fmt"

// NewMetalBackend fails: no Metal kernels are compiled into this build.
func NewMetalBackend() (Backend, error) {
	return nil, fmt.Errorf("%w: metal backend is not built, use cpu", ErrDeviceUnavailable)
}

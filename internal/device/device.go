// Package device provides the compute devices tensors live on and the small
// set of tensor operations the encoder pipeline needs.
package device

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTensorOp wraps every failure raised by a tensor operation.
	ErrTensorOp = errors.New("tensor op failed")
	// ErrDeviceUnavailable is returned when a backend is not compiled in.
	ErrDeviceUnavailable = errors.New("device unavailable")
)

// DataType is the floating precision a tensor's values are held at.
type DataType int

const (
	Float32 DataType = iota
	Float16
)

func (d DataType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// ParseDataType accepts "f32"/"float32" and "f16"/"float16".
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32", "fp32":
		return Float32, nil
	case "f16", "float16", "fp16", "half":
		return Float16, nil
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Tensor is an immutable 2-D array resident on a Backend. Every operation
// returns a new tensor (or a view sharing storage) and leaves its receiver
// untouched.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// DataType reports the precision values are rounded to.
	DataType() DataType

	// At returns the value at (i, j).
	// This is slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Row copies row i to a new slice.
	Row(i int) []float32

	// ToHost copies the data to a row-major Go slice.
	ToHost() []float32

	// T returns the transpose view.
	T() Tensor

	// Reshape returns the same values laid out as r x c.
	Reshape(r, c int) (Tensor, error)

	// Cast converts values to dtype, rounding when narrowing.
	Cast(dtype DataType) Tensor

	// MatMul returns t @ other.
	MatMul(other Tensor) (Tensor, error)

	// Add returns the element-wise sum. Shapes and data types must match.
	Add(other Tensor) (Tensor, error)

	// Broadcast replicates a 1 x c row to r x c without copying it.
	Broadcast(r, c int) (Tensor, error)

	// Gather collects rows based on indices.
	Gather(indices []int) (Tensor, error)

	// Slice copies rows [start, end).
	Slice(start, end int) (Tensor, error)
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string

	// NewTensor copies data (row-major, len r*c) into a new tensor. A nil
	// slice yields zeros.
	NewTensor(r, c int, dtype DataType, data []float32) (Tensor, error)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

// Open returns the backend registered under name.
func Open(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", "cpu":
		return NewCPUBackend(), nil
	case "metal", "mps":
		return NewMetalBackend()
	case "cuda", "gpu":
		return NewCudaBackend()
	}
	return nil, fmt.Errorf("%w: unknown device %q", ErrDeviceUnavailable, name)
}

package weights

import (
	"errors"
	"fmt"
	"slices"

	"github.com/NatanFreeman/bart-rs/internal/config"
)

var (
	// ErrTensorNotFound means the container lacks a tensor the architecture
	// requires.
	ErrTensorNotFound = errors.New("tensor not found")
	// ErrShapeMismatch means a stored tensor disagrees with the architecture.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)

type MissingTensorError struct {
	Name string
}

func (e *MissingTensorError) Error() string {
	return fmt.Sprintf("tensor %q not found in container", e.Name)
}

func (e *MissingTensorError) Unwrap() error { return ErrTensorNotFound }

type ShapeError struct {
	Name string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor %q has shape %v, want %v", e.Name, e.Got, e.Want)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }

// ValidateShape compares a realized shape with name's expected shape.
func ValidateShape(name TensorName, d config.Dims, got []int) error {
	want := name.ExpectedShape(d)
	if !slices.Equal(want, got) {
		return &ShapeError{Name: name.String(), Want: want, Got: slices.Clone(got)}
	}
	return nil
}

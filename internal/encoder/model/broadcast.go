package model

import (
	"fmt"

	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
)

// Broadcast replicates bias to rows x cols. The bias must hold exactly cols
// values, as a 1 x cols row or a cols x 1 column. The result shares the
// bias storage.
func Broadcast(rows, cols int, bias device.Tensor) (device.Tensor, error) {
	r, c := bias.Dims()
	switch {
	case r == 1 && c == cols:
	case c == 1 && r == cols:
		row, err := bias.Reshape(1, cols)
		if err != nil {
			return nil, err
		}
		bias = row
	default:
		return nil, fmt.Errorf("%w: bias of %dx%d cannot broadcast to %dx%d",
			weights.ErrShapeMismatch, r, c, rows, cols)
	}
	return bias.Broadcast(rows, cols)
}

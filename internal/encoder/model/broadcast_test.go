package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
)

func TestBroadcast(t *testing.T) {
	b := device.NewCPUBackend()
	want := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	for _, dtype := range []device.DataType{device.Float16, device.Float32} {
		t.Run(dtype.String(), func(t *testing.T) {
			bias, err := b.NewTensor(1, 10, dtype, want)
			require.NoError(t, err)

			out, err := Broadcast(10, 10, bias)
			require.NoError(t, err)
			r, c := out.Dims()
			require.Equal(t, 10, r)
			require.Equal(t, 10, c)
			assert.Equal(t, dtype, out.DataType())
			for i := 0; i < r; i++ {
				assert.Equal(t, want, out.Row(i), "row %d", i)
			}
		})
	}
}

func TestBroadcastColumn(t *testing.T) {
	b := device.NewCPUBackend()
	bias, err := b.NewTensor(3, 1, device.Float32, []float32{1, 2, 3})
	require.NoError(t, err)

	out, err := Broadcast(2, 3, bias)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 1, 2, 3}, out.ToHost())
}

func TestBroadcastMismatch(t *testing.T) {
	b := device.NewCPUBackend()
	bias, err := b.NewTensor(1, 9, device.Float32, nil)
	require.NoError(t, err)

	_, err = Broadcast(10, 10, bias)
	require.ErrorIs(t, err, weights.ErrShapeMismatch)

	square, err := b.NewTensor(2, 2, device.Float32, nil)
	require.NoError(t, err)
	_, err = Broadcast(2, 2, square)
	require.ErrorIs(t, err, weights.ErrShapeMismatch)
}

func TestBroadcastAdd(t *testing.T) {
	b := device.NewCPUBackend()
	x, err := b.NewTensor(2, 3, device.Float32, []float32{1, 1, 1, 2, 2, 2})
	require.NoError(t, err)
	bias, err := b.NewTensor(1, 3, device.Float32, []float32{10, 20, 30})
	require.NoError(t, err)

	wide, err := Broadcast(2, 3, bias)
	require.NoError(t, err)
	y, err := x.Add(wide)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 21, 31, 12, 22, 32}, y.ToHost())
}

// Package model computes the self-attention projections of BART encoder
// layers from quantized weights.
package model

import (
	"context"
	"fmt"
	"time"

	"github.com/NatanFreeman/bart-rs/internal/config"
	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/encoder/input"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
)

// TensorSource hands out shape-checked quantized tensors. *weights.Store
// implements it.
type TensorSource interface {
	FetchChecked(ctx context.Context, name weights.TensorName, b device.Backend, d config.Dims) (*weights.QuantizedTensor, error)
}

// NeuralNet is one affine transform, y = x @ Weight + Bias.
type NeuralNet struct {
	Weight *weights.QuantizedTensor
	Bias   *weights.QuantizedTensor
}

// Forward applies the transform at x's precision. Weight is [in, out] and
// is used as stored, without a transpose.
func (n NeuralNet) Forward(x device.Tensor) (device.Tensor, error) {
	dtype := x.DataType()
	w, err := n.Weight.Dequantize(dtype)
	if err != nil {
		return nil, err
	}
	y, err := x.MatMul(w)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Weight.Name(), err)
	}

	b, err := n.Bias.Dequantize(dtype)
	if err != nil {
		return nil, err
	}
	rows, cols := y.Dims()
	bias, err := Broadcast(rows, cols, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Bias.Name(), err)
	}
	return y.Add(bias)
}

// AttnHead holds the query, key and value transforms of one encoder layer.
type AttnHead struct {
	Layer   int
	Backend device.Backend

	Query NeuralNet
	Key   NeuralNet
	Value NeuralNet
}

// NewAttnHead fetches the six q/k/v tensors of layer. It fails if any is
// missing or has the wrong shape for d.
func NewAttnHead(ctx context.Context, layer int, src TensorSource, b device.Backend, d config.Dims) (*AttnHead, error) {
	if layer < 0 || layer >= d.Layers {
		return nil, fmt.Errorf("layer %d out of range [0, %d)", layer, d.Layers)
	}
	head := &AttnHead{Layer: layer, Backend: b}
	for _, p := range []struct {
		proj weights.Projection
		dst  *NeuralNet
	}{
		{weights.Query, &head.Query},
		{weights.Key, &head.Key},
		{weights.Value, &head.Value},
	} {
		w, err := src.FetchChecked(ctx, weights.SelfAttn(layer, p.proj, weights.Weight), b, d)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", layer, err)
		}
		bias, err := src.FetchChecked(ctx, weights.SelfAttn(layer, p.proj, weights.Bias), b, d)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", layer, err)
		}
		*p.dst = NeuralNet{Weight: w, Bias: bias}
	}
	return head, nil
}

// Encoded holds the projections of one layer, each [L_max, hidden].
type Encoded struct {
	Layer int
	Q     device.Tensor
	K     device.Tensor
	V     device.Tensor
}

// Projection returns the tensor for p.
func (e Encoded) Projection(p weights.Projection) device.Tensor {
	switch p {
	case weights.Key:
		return e.K
	case weights.Value:
		return e.V
	}
	return e.Q
}

// Encode casts the positioned embeddings to dtype and projects them through
// the query, key and value transforms.
func (h *AttnHead) Encode(ctx context.Context, in input.Positioned, dtype device.DataType) (Encoded, error) {
	x := in.Embeddings().Cast(dtype)
	out := Encoded{Layer: h.Layer}
	for _, p := range []struct {
		proj weights.Projection
		net  NeuralNet
		dst  *device.Tensor
	}{
		{weights.Query, h.Query, &out.Q},
		{weights.Key, h.Key, &out.K},
		{weights.Value, h.Value, &out.V},
	} {
		if err := ctx.Err(); err != nil {
			return Encoded{}, err
		}
		start := time.Now()
		y, err := p.net.Forward(x)
		if err != nil {
			return Encoded{}, fmt.Errorf("layer %d %s: %w", h.Layer, p.proj, err)
		}
		ProjectionDuration.WithLabelValues(p.proj.String(), h.Backend.Name()).Observe(time.Since(start).Seconds())
		*p.dst = y
	}
	return out, nil
}

package model

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NatanFreeman/bart-rs/internal/config"
	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/encoder/input"
	"github.com/NatanFreeman/bart-rs/internal/encoder/synth"
	"github.com/NatanFreeman/bart-rs/internal/encoder/tokenizer"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
)

var testDims = config.Dims{VocabSize: 40, Hidden: 4, MaxPositions: 8, MaxSeqLen: 6, Layers: 2}

// fill gives every tensor a value pattern that is easy to check by hand:
// Q is the identity, K doubles, V mixes columns and biases count up per
// projection.
func fill(name weights.TensorName, row, col int) float32 {
	switch name.Kind {
	case weights.KindTokenEmbeddings:
		return float32(row%7) - float32(col)*0.5
	case weights.KindPositionEmbeddings:
		return float32(row) * 0.25
	}
	if name.Param == weights.Bias {
		return float32(int(name.Proj)*10 + col + name.Layer*100)
	}
	switch name.Proj {
	case weights.Query:
		if row == col {
			return 1
		}
	case weights.Key:
		if row == col {
			return 2
		}
	case weights.Value:
		return float32(row - col)
	}
	return 0
}

func openStore(t *testing.T, opts synth.Options) *weights.Store {
	t.Helper()
	opts.Dims = testDims
	if opts.Fill == nil {
		opts.Fill = fill
	}
	path := filepath.Join(t.TempDir(), "bart.gguf")
	require.NoError(t, synth.WriteFile(path, opts))
	s, err := weights.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func positioned(t *testing.T, s *weights.Store, b device.Backend, text string) input.Positioned {
	t.Helper()
	ctx := context.Background()
	v, err := tokenizer.FromGGUF(s.File())
	require.NoError(t, err)

	framed, err := input.NewRaw(text).Tokenize(tokenizer.New(v)).Frame(testDims.MaxSeqLen)
	require.NoError(t, err)

	tokQ, err := s.FetchChecked(ctx, weights.TokenEmbeddings(), b, testDims)
	require.NoError(t, err)
	tok, err := tokQ.Dequantize(device.Float32)
	require.NoError(t, err)
	posQ, err := s.FetchChecked(ctx, weights.PositionEmbeddings(), b, testDims)
	require.NoError(t, err)
	pos, err := posQ.Dequantize(device.Float32)
	require.NoError(t, err)

	embedded, err := framed.Embed(tok)
	require.NoError(t, err)
	p, err := embedded.AddPositions(pos, 0)
	require.NoError(t, err)
	return p
}

func TestEncode(t *testing.T) {
	b := device.NewCPUBackend()
	s := openStore(t, synth.Options{})
	in := positioned(t, s, b, "a b c")
	x := in.Embeddings().ToHost()
	h := testDims.Hidden

	for layer := 0; layer < testDims.Layers; layer++ {
		head, err := NewAttnHead(context.Background(), layer, s, b, testDims)
		require.NoError(t, err)
		enc, err := head.Encode(context.Background(), in, device.Float32)
		require.NoError(t, err)
		assert.Equal(t, layer, enc.Layer)

		for _, proj := range []weights.Projection{weights.Query, weights.Key, weights.Value} {
			out := enc.Projection(proj)
			r, c := out.Dims()
			require.Equal(t, testDims.MaxSeqLen, r)
			require.Equal(t, h, c)

			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					var want float32
					for k := 0; k < h; k++ {
						want += x[i*h+k] * fill(weights.SelfAttn(layer, proj, weights.Weight), k, j)
					}
					want += fill(weights.SelfAttn(layer, proj, weights.Bias), 0, j)
					assert.InDelta(t, want, out.At(i, j), 1e-4, "layer %d %s (%d, %d)", layer, proj, i, j)
				}
			}
		}
	}
}

func TestEncodeFloat16(t *testing.T) {
	b := device.NewCPUBackend()
	s := openStore(t, synth.Options{})
	in := positioned(t, s, b, "a")

	head, err := NewAttnHead(context.Background(), 0, s, b, testDims)
	require.NoError(t, err)
	enc, err := head.Encode(context.Background(), in, device.Float16)
	require.NoError(t, err)

	assert.Equal(t, device.Float32, in.Embeddings().DataType(), "input is not converted in place")
	for _, out := range []device.Tensor{enc.Q, enc.K, enc.V} {
		assert.Equal(t, device.Float16, out.DataType())
		for _, v := range out.ToHost() {
			assert.Equal(t, device.Float16ToFloat32(device.Float32ToFloat16(v)), v)
		}
	}

	again, err := head.Encode(context.Background(), in, device.Float16)
	require.NoError(t, err)
	assert.Equal(t, enc.V.ToHost(), again.V.ToHost())
}

func TestNewAttnHeadMissingTensor(t *testing.T) {
	b := device.NewCPUBackend()
	missing := weights.SelfAttn(1, weights.Key, weights.Bias)
	s := openStore(t, synth.Options{Omit: []string{missing.String()}})

	_, err := NewAttnHead(context.Background(), 0, s, b, testDims)
	require.NoError(t, err)

	_, err = NewAttnHead(context.Background(), 1, s, b, testDims)
	require.ErrorIs(t, err, weights.ErrTensorNotFound)
	assert.Contains(t, err.Error(), missing.String())
}

func TestNewAttnHeadShapeMismatch(t *testing.T) {
	s := openStore(t, synth.Options{})
	wrong := testDims
	wrong.Hidden = 8

	_, err := NewAttnHead(context.Background(), 0, s, device.NewCPUBackend(), wrong)
	require.ErrorIs(t, err, weights.ErrShapeMismatch)

	_, err = NewAttnHead(context.Background(), 2, s, device.NewCPUBackend(), testDims)
	assert.Error(t, err)
}

func TestEncodeCancelled(t *testing.T) {
	b := device.NewCPUBackend()
	s := openStore(t, synth.Options{})
	in := positioned(t, s, b, "a")
	head, err := NewAttnHead(context.Background(), 0, s, b, testDims)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = head.Encode(ctx, in, device.Float32)
	require.ErrorIs(t, err, context.Canceled)
}

// Package synth writes small randomly initialized BART containers for smoke
// tests and benchmarks.
package synth

import (
	"fmt"
	"math/rand"
	"os"
	"slices"

	"github.com/NatanFreeman/bart-rs/internal/config"
	"github.com/NatanFreeman/bart-rs/internal/encoder/tokenizer"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
	"github.com/NatanFreeman/bart-rs/internal/gguf"
)

// Options controls the generated container. The zero value of every field
// except Dims has a usable default.
type Options struct {
	Dims config.Dims

	// WeightType is the packing of every 2-D tensor: F32 (default), F16 or
	// Q8_0. Biases are always F32.
	WeightType gguf.GGMLType
	Seed       int64

	// Pieces overrides the generated vocabulary. Its length must equal
	// Dims.VocabSize.
	Pieces []string

	// Omit lists tensor names to leave out of the container.
	Omit []string

	// Fill overrides the random initializer. For a bias, row is always 0.
	Fill func(name weights.TensorName, row, col int) float32
}

// Pieces generates a vocabulary of n pieces starting with the four special
// tokens at ids 0 to 3.
func Pieces(n int) []string {
	out := []string{tokenizer.BOS, tokenizer.Pad, tokenizer.EOS, tokenizer.Unk, tokenizer.WordBoundary}
	for c := 'a'; c <= 'z'; c++ {
		out = append(out, string(c), tokenizer.WordBoundary+string(c))
	}
	for i := 0; len(out) < n; i++ {
		out = append(out, fmt.Sprintf("%sw%d", tokenizer.WordBoundary, i))
	}
	return out[:n]
}

// Build returns the metadata and tensors of a container.
func Build(opts Options) ([]gguf.KV, []gguf.WriterTensor, error) {
	d := opts.Dims
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}
	pieces := opts.Pieces
	if pieces == nil {
		if d.VocabSize < 5 {
			return nil, nil, fmt.Errorf("vocab_size %d cannot hold the special tokens", d.VocabSize)
		}
		pieces = Pieces(d.VocabSize)
	}
	if len(pieces) != d.VocabSize {
		return nil, nil, fmt.Errorf("got %d pieces for vocab_size %d", len(pieces), d.VocabSize)
	}

	kv := []gguf.KV{
		{Key: "general.architecture", Value: "bart"},
		{Key: "general.name", Value: "synthetic"},
		{Key: "bart.block_count", Value: uint32(d.Layers)},
		{Key: "bart.embedding_length", Value: uint32(d.Hidden)},
		{Key: "bart.context_length", Value: uint32(d.MaxPositions)},
		{Key: tokenizer.KeyTokens, Value: pieces},
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	fill := opts.Fill
	if fill == nil {
		fill = func(weights.TensorName, int, int) float32 {
			return float32(rng.NormFloat64() * 0.02)
		}
	}

	var tensors []gguf.WriterTensor
	for _, name := range weights.AllNames(d) {
		key := name.String()
		if slices.Contains(opts.Omit, key) {
			continue
		}
		shape := name.ExpectedShape(d)
		rows, cols := 1, shape[len(shape)-1]
		if len(shape) == 2 {
			rows = shape[0]
		}
		values := make([]float32, rows*cols)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				values[r*cols+c] = fill(name, r, c)
			}
		}

		typ := gguf.GGMLTypeF32
		if len(shape) == 2 && opts.WeightType != 0 {
			typ = opts.WeightType
		}
		data, err := pack(typ, values)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %q: %w", key, err)
		}
		tensors = append(tensors, gguf.WriterTensor{Name: key, Shape: shape, Type: typ, Data: data})
	}
	return kv, tensors, nil
}

func pack(typ gguf.GGMLType, values []float32) ([]byte, error) {
	switch typ {
	case gguf.GGMLTypeF32:
		return gguf.EncodeF32(values), nil
	case gguf.GGMLTypeF16:
		return gguf.EncodeF16(values), nil
	case gguf.GGMLTypeQ8_0:
		return gguf.QuantizeQ8_0(values)
	}
	return nil, fmt.Errorf("%w: cannot pack %s", gguf.ErrUnsupportedType, typ)
}

// WriteFile builds a container and writes it to path.
func WriteFile(path string, opts Options) error {
	kv, tensors, err := Build(opts)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gguf.Write(f, kv, tensors); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

package weights

import (
	"fmt"

	"github.com/NatanFreeman/bart-rs/internal/config"
	"github.com/NatanFreeman/bart-rs/internal/gguf"
)

// InferDims reads the architecture of f from its metadata and embedding
// tables. A non-positive maxSeqLen frames to the bart-large length, capped
// by the number of position rows.
func InferDims(f *gguf.File, maxSeqLen int) (config.Dims, error) {
	arch := f.Architecture()
	if arch == "" {
		return config.Dims{}, fmt.Errorf("container has no general.architecture")
	}
	layers, ok := f.Uint(arch + ".block_count")
	if !ok {
		return config.Dims{}, fmt.Errorf("container has no %s.block_count", arch)
	}

	tokens, ok := f.Lookup(TokenEmbeddings().String())
	if !ok {
		return config.Dims{}, &MissingTensorError{Name: TokenEmbeddings().String()}
	}
	positions, ok := f.Lookup(PositionEmbeddings().String())
	if !ok {
		return config.Dims{}, &MissingTensorError{Name: PositionEmbeddings().String()}
	}
	ts, ps := tokens.Shape(), positions.Shape()
	if len(ts) != 2 || len(ps) != 2 {
		return config.Dims{}, fmt.Errorf("%w: embedding tables have shapes %v and %v", ErrShapeMismatch, ts, ps)
	}

	d := config.Dims{
		VocabSize:    ts[0],
		Hidden:       ts[1],
		MaxPositions: ps[0],
		MaxSeqLen:    maxSeqLen,
		Layers:       int(layers),
	}
	if hidden, ok := f.Uint(arch + ".embedding_length"); ok && int(hidden) != d.Hidden {
		return config.Dims{}, fmt.Errorf("%w: %s.embedding_length is %d but %s is %d wide",
			ErrShapeMismatch, arch, hidden, TokenEmbeddings(), d.Hidden)
	}
	if d.MaxSeqLen <= 0 {
		d.MaxSeqLen = min(config.BartLarge().MaxSeqLen, d.MaxPositions)
	}
	return d, d.Validate()
}

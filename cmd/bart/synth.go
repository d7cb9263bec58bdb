package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/NatanFreeman/bart-rs/internal/config"
	"github.com/NatanFreeman/bart-rs/internal/encoder/synth"
)

func newSynthCmd() *cobra.Command {
	var (
		dims       config.Dims
		weightType string
		seed       int64
	)
	cmd := &cobra.Command{
		Use:   "synth OUTPUT",
		Short: "Write a randomly initialized BART container for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseWeightType(weightType)
			if err != nil {
				return err
			}
			if dims.MaxSeqLen == 0 {
				dims.MaxSeqLen = dims.MaxPositions
			}
			if err := synth.WriteFile(args[0], synth.Options{Dims: dims, WeightType: typ, Seed: seed}); err != nil {
				return err
			}
			log.Info().
				Str("path", args[0]).
				Int("vocab_size", dims.VocabSize).
				Int("hidden", dims.Hidden).
				Int("layers", dims.Layers).
				Str("type", typ.String()).
				Msg("Synthetic model written")
			return nil
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&dims.VocabSize, "vocab-size", 128, "Token embedding rows")
	fs.IntVar(&dims.Hidden, "hidden", 64, "Model width")
	fs.IntVar(&dims.MaxPositions, "max-positions", 66, "Position embedding rows")
	fs.IntVar(&dims.Layers, "layer-count", 12, "Encoder layers")
	fs.StringVar(&weightType, "type", "f32", "Packing of the 2-D tensors (f32, f16, q8_0)")
	fs.Int64Var(&seed, "seed", 1, "Initializer seed")
	return cmd
}

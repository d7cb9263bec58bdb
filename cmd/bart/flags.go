package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NatanFreeman/bart-rs/internal/config"
	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
	"github.com/NatanFreeman/bart-rs/internal/gguf"
)

// configFlags binds the encoder configuration to command flags. Flags only
// override the defaults and BART_* variables when set explicitly.
type configFlags struct {
	model     string
	vocab     string
	device    string
	precision string
	layers    string
	workers   int
	offset    int
	maxSeqLen int
	dims      string
	normalize bool
	cache     bool
}

func (f *configFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.model, "model", "m", "", "Path to the GGUF weight container")
	fs.StringVar(&f.vocab, "vocab", "", "Path to a vocabulary file (default: read from the model)")
	fs.StringVar(&f.device, "device", "cpu", "Compute device (cpu, metal, cuda)")
	fs.StringVar(&f.precision, "precision", "fp16", "Projection precision (fp32, fp16)")
	fs.StringVar(&f.layers, "layers", "", "Layers to project, e.g. 0,3-5 (default: all)")
	fs.IntVar(&f.workers, "workers", 4, "Maximum layers projected at once")
	fs.IntVar(&f.offset, "position-offset", 0, "Row offset into the position embedding table")
	fs.IntVar(&f.maxSeqLen, "max-seq-len", 0, "Framed sequence length (default: 1024, capped by the position table)")
	fs.StringVar(&f.dims, "dims", "auto", "Architecture: auto (read from the model) or bart-large")
	fs.BoolVar(&f.normalize, "normalize", false, "Apply NFC normalization before tokenizing")
	fs.BoolVar(&f.cache, "cache", false, "Keep dequantized tensors in memory between calls")
}

func (f *configFlags) config(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if err := cfg.LoadEnv(); err != nil {
		return cfg, err
	}

	fs := cmd.Flags()
	if fs.Changed("model") {
		cfg.ModelPath = f.model
	}
	if fs.Changed("vocab") {
		cfg.VocabPath = f.vocab
	}
	if fs.Changed("device") {
		cfg.Device = f.device
	}
	if fs.Changed("precision") {
		p, err := device.ParseDataType(f.precision)
		if err != nil {
			return cfg, fmt.Errorf("--precision: %w", err)
		}
		cfg.Precision = p
	}
	if fs.Changed("layers") {
		layers, err := config.ParseLayers(f.layers)
		if err != nil {
			return cfg, fmt.Errorf("--layers: %w", err)
		}
		cfg.Layers = layers
	}
	if fs.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fs.Changed("position-offset") {
		cfg.PositionOffset = f.offset
	}
	switch f.dims {
	case "auto":
		if cfg.ModelPath == "" {
			break
		}
		d, err := inferDims(cfg.ModelPath, f.maxSeqLen)
		if err != nil {
			return cfg, err
		}
		cfg.Dims = d
	case "bart-large":
		if f.maxSeqLen > 0 {
			cfg.Dims.MaxSeqLen = f.maxSeqLen
		}
	default:
		return cfg, fmt.Errorf("--dims: unknown architecture %q", f.dims)
	}
	cfg.Normalize = f.normalize
	cfg.CacheTensors = f.cache
	return cfg, cfg.Validate()
}

func inferDims(path string, maxSeqLen int) (config.Dims, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return config.Dims{}, err
	}
	defer f.Close()
	return weights.InferDims(f, maxSeqLen)
}

// Package config holds the run configuration of the encoder pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/NatanFreeman/bart-rs/internal/device"
)

// Dims are the architectural dimensions a weight container must match.
type Dims struct {
	VocabSize    int
	Hidden       int
	MaxPositions int
	MaxSeqLen    int // L_max, the framed sequence length
	Layers       int
}

// BartLarge returns the dimensions of the bart-large checkpoints.
func BartLarge() Dims {
	return Dims{
		VocabSize:    50264,
		Hidden:       1024,
		MaxPositions: 1026,
		MaxSeqLen:    1024,
		Layers:       12,
	}
}

func (d Dims) Validate() error {
	var errs []error
	if d.VocabSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid vocab_size: %d (must be positive)", d.VocabSize))
	}
	if d.Hidden <= 0 {
		errs = append(errs, fmt.Errorf("invalid hidden: %d (must be positive)", d.Hidden))
	}
	if d.MaxSeqLen < 2 {
		errs = append(errs, fmt.Errorf("invalid max_seq_len: %d (must hold <s> and </s>)", d.MaxSeqLen))
	}
	if d.MaxPositions < d.MaxSeqLen {
		errs = append(errs, fmt.Errorf("max_positions (%d) < max_seq_len (%d)", d.MaxPositions, d.MaxSeqLen))
	}
	if d.Layers <= 0 {
		errs = append(errs, fmt.Errorf("invalid layers: %d (must be positive)", d.Layers))
	}
	return errors.Join(errs...)
}

type Config struct {
	ModelPath string
	// VocabPath may be empty, in which case the vocabulary is read from the
	// container's tokenizer.ggml.tokens metadata.
	VocabPath string

	Device    string
	Precision device.DataType
	Dims      Dims

	// Layers selects which encoder layers to project. Empty means all.
	Layers  []int
	Workers int

	// PositionOffset is added to the row index when looking up position
	// embeddings. bart-large checkpoints trained with the learned offset use 2.
	PositionOffset int

	Normalize    bool
	CacheTensors bool
}

func Default() Config {
	return Config{
		Device:    "cpu",
		Precision: device.Float16,
		Dims:      BartLarge(),
		Workers:   4,
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model path is required"))
	}
	if err := c.Dims.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, l := range c.Layers {
		if l < 0 || l >= c.Dims.Layers {
			errs = append(errs, fmt.Errorf("invalid layer %d (model has %d)", l, c.Dims.Layers))
		}
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("invalid workers: %d (must be positive)", c.Workers))
	}
	if c.PositionOffset < 0 || c.PositionOffset+c.Dims.MaxSeqLen > c.Dims.MaxPositions {
		errs = append(errs, fmt.Errorf("position offset %d leaves fewer than %d of %d position rows",
			c.PositionOffset, c.Dims.MaxSeqLen, c.Dims.MaxPositions))
	}
	return errors.Join(errs...)
}

// SelectedLayers returns Layers, or every layer index when none were chosen.
func (c *Config) SelectedLayers() []int {
	if len(c.Layers) > 0 {
		return c.Layers
	}
	all := make([]int, c.Dims.Layers)
	for i := range all {
		all[i] = i
	}
	return all
}

// LoadEnv applies BART_* environment overrides.
func (c *Config) LoadEnv() error {
	if v, ok := os.LookupEnv("BART_MODEL"); ok {
		c.ModelPath = v
	}
	if v, ok := os.LookupEnv("BART_VOCAB"); ok {
		c.VocabPath = v
	}
	if v, ok := os.LookupEnv("BART_DEVICE"); ok {
		c.Device = v
	}
	if v, ok := os.LookupEnv("BART_PRECISION"); ok {
		p, err := device.ParseDataType(v)
		if err != nil {
			return fmt.Errorf("BART_PRECISION: %w", err)
		}
		c.Precision = p
	}
	if v, ok := os.LookupEnv("BART_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BART_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v, ok := os.LookupEnv("BART_LAYERS"); ok {
		layers, err := ParseLayers(v)
		if err != nil {
			return fmt.Errorf("BART_LAYERS: %w", err)
		}
		c.Layers = layers
	}
	return nil
}

// ParseLayers parses a comma separated list of layer indices and ranges,
// e.g. "0,3-5".
func ParseLayers(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid layer %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(hi); err != nil || b < a {
				return nil, fmt.Errorf("invalid layer range %q", part)
			}
		}
		for i := a; i <= b; i++ {
			out = append(out, i)
		}
	}
	return out, nil
}

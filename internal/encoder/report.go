package encoder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/encoder/model"
	"github.com/NatanFreeman/bart-rs/internal/simd"
)

// ProjectionStats summarizes one Q, K or V tensor. Sample holds the leading
// values of row 0 and is omitted when the tensor holds NaN or Inf.
type ProjectionStats struct {
	MaxAbs float32   `json:"max_abs" cbor:"max_abs"`
	NaNs   int       `json:"nans" cbor:"nans"`
	Infs   int       `json:"infs" cbor:"infs"`
	Sample []float32 `json:"sample,omitempty" cbor:"sample,omitempty"`
}

type LayerReport struct {
	Layer int             `json:"layer" cbor:"layer"`
	Q     ProjectionStats `json:"q" cbor:"q"`
	K     ProjectionStats `json:"k" cbor:"k"`
	V     ProjectionStats `json:"v" cbor:"v"`
}

// Report records the activations of one Encode call for comparison against
// a reference run.
type Report struct {
	Text      string        `json:"text" cbor:"text"`
	Tokens    []int         `json:"tokens" cbor:"tokens"`
	Used      int           `json:"used" cbor:"used"`
	Device    string        `json:"device" cbor:"device"`
	Precision string        `json:"precision" cbor:"precision"`
	CreatedAt time.Time     `json:"created_at" cbor:"created_at"`
	Layers    []LayerReport `json:"layers" cbor:"layers"`
}

// NewReport summarizes res, keeping up to samples values per projection.
func (e *Encoder) NewReport(res *Result, samples int) *Report {
	r := &Report{
		Text:      res.Text,
		Tokens:    res.Frame.IDs(),
		Used:      res.Frame.Used(),
		Device:    e.backend.Name(),
		Precision: e.cfg.Precision.String(),
		CreatedAt: time.Now().UTC(),
	}
	for _, enc := range res.Layers {
		r.Layers = append(r.Layers, summarizeLayer(enc, samples))
	}
	return r
}

func summarizeLayer(enc model.Encoded, samples int) LayerReport {
	return LayerReport{
		Layer: enc.Layer,
		Q:     summarize(enc.Q, samples),
		K:     summarize(enc.K, samples),
		V:     summarize(enc.V, samples),
	}
}

func summarize(t device.Tensor, samples int) ProjectionStats {
	values := t.ToHost()
	s := ProjectionStats{MaxAbs: simd.MaxAbs(values)}
	s.NaNs, s.Infs = simd.CountNonFinite(values)
	if s.NaNs == 0 && s.Infs == 0 && samples > 0 {
		row := t.Row(0)
		s.Sample = row[:min(samples, len(row))]
	}
	return s
}

// NonFinite totals the NaN and Inf values across every layer.
func (r *Report) NonFinite() int {
	n := 0
	for _, l := range r.Layers {
		for _, p := range []ProjectionStats{l.Q, l.K, l.V} {
			n += p.NaNs + p.Infs
		}
	}
	return n
}

func isCBOR(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".cbor")
}

// Save writes the report as CBOR when path ends in .cbor and as indented
// JSON otherwise.
func (r *Report) Save(path string) error {
	var data []byte
	var err error
	if isCBOR(path) {
		data, err = cbor.Marshal(r)
	} else {
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadReport reads a report written by Save.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := new(Report)
	if isCBOR(path) {
		err = cbor.Unmarshal(data, r)
	} else {
		err = json.Unmarshal(data, r)
	}
	if err != nil {
		return nil, fmt.Errorf("decode report %s: %w", path, err)
	}
	return r, nil
}

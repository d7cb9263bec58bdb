// Package weights resolves structured tensor names against a GGUF container
// and hands out quantized tensors bound to a compute device.
package weights

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/NatanFreeman/bart-rs/internal/config"
)

// Kind is the closed set of tensor families the encoder reads.
type Kind int

const (
	KindTokenEmbeddings Kind = iota
	KindPositionEmbeddings
	KindSelfAttn
	KindOutProj
)

// Projection selects the query, key or value transform of a layer.
type Projection int

const (
	Query Projection = iota
	Key
	Value
)

func (p Projection) String() string {
	switch p {
	case Query:
		return "q_proj"
	case Key:
		return "k_proj"
	case Value:
		return "v_proj"
	}
	return fmt.Sprintf("Projection(%d)", int(p))
}

// Param distinguishes a layer's weight matrix from its bias vector.
type Param int

const (
	Weight Param = iota
	Bias
)

func (p Param) String() string {
	if p == Bias {
		return "bias"
	}
	return "weight"
}

const (
	tokenEmbeddingsName    = "model.decoder.embed_tokens.weight"
	positionEmbeddingsName = "model.decoder.embed_positions.weight"
	layerPrefix            = "model.encoder.layers."
)

// TensorName is a structured identifier whose String form is the exact key
// stored in the container.
type TensorName struct {
	Kind  Kind
	Layer int
	Proj  Projection
	Param Param
}

func TokenEmbeddings() TensorName    { return TensorName{Kind: KindTokenEmbeddings} }
func PositionEmbeddings() TensorName { return TensorName{Kind: KindPositionEmbeddings} }

// SelfAttn names one of the six q/k/v tensors of an encoder layer.
func SelfAttn(layer int, proj Projection, param Param) TensorName {
	return TensorName{Kind: KindSelfAttn, Layer: layer, Proj: proj, Param: param}
}

// OutProj names the attention output projection of an encoder layer.
func OutProj(layer int, param Param) TensorName {
	return TensorName{Kind: KindOutProj, Layer: layer, Param: param}
}

func (n TensorName) String() string {
	switch n.Kind {
	case KindTokenEmbeddings:
		return tokenEmbeddingsName
	case KindPositionEmbeddings:
		return positionEmbeddingsName
	case KindSelfAttn:
		return fmt.Sprintf("%s%d.self_attn.%s.%s", layerPrefix, n.Layer, n.Proj, n.Param)
	case KindOutProj:
		return fmt.Sprintf("%s%d.self_attn.out_proj.%s", layerPrefix, n.Layer, n.Param)
	}
	return fmt.Sprintf("TensorName(%d)", int(n.Kind))
}

// ExpectedShape is the logical shape a tensor of this name must have.
func (n TensorName) ExpectedShape(d config.Dims) []int {
	switch n.Kind {
	case KindTokenEmbeddings:
		return []int{d.VocabSize, d.Hidden}
	case KindPositionEmbeddings:
		return []int{d.MaxPositions, d.Hidden}
	}
	if n.Param == Bias {
		return []int{d.Hidden}
	}
	return []int{d.Hidden, d.Hidden}
}

// ParseTensorName is the inverse of TensorName.String.
func ParseTensorName(s string) (TensorName, error) {
	switch s {
	case tokenEmbeddingsName:
		return TokenEmbeddings(), nil
	case positionEmbeddingsName:
		return PositionEmbeddings(), nil
	}

	rest, ok := strings.CutPrefix(s, layerPrefix)
	if !ok {
		return TensorName{}, fmt.Errorf("unrecognized tensor name %q", s)
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 4 || parts[1] != "self_attn" {
		return TensorName{}, fmt.Errorf("unrecognized tensor name %q", s)
	}
	layer, err := strconv.Atoi(parts[0])
	if err != nil || layer < 0 || strconv.Itoa(layer) != parts[0] {
		return TensorName{}, fmt.Errorf("invalid layer index in %q", s)
	}

	var param Param
	switch parts[3] {
	case "weight":
		param = Weight
	case "bias":
		param = Bias
	default:
		return TensorName{}, fmt.Errorf("invalid parameter in %q", s)
	}

	switch parts[2] {
	case "q_proj":
		return SelfAttn(layer, Query, param), nil
	case "k_proj":
		return SelfAttn(layer, Key, param), nil
	case "v_proj":
		return SelfAttn(layer, Value, param), nil
	case "out_proj":
		return OutProj(layer, param), nil
	}
	return TensorName{}, fmt.Errorf("invalid projection in %q", s)
}

// AllNames enumerates every tensor the encoder may request for d.
func AllNames(d config.Dims) []TensorName {
	names := []TensorName{TokenEmbeddings(), PositionEmbeddings()}
	for l := 0; l < d.Layers; l++ {
		for _, proj := range []Projection{Query, Key, Value} {
			names = append(names, SelfAttn(l, proj, Weight), SelfAttn(l, proj, Bias))
		}
		names = append(names, OutProj(l, Weight), OutProj(l, Bias))
	}
	return names
}

// Package gguf reads and writes GGUF tensor containers: a little-endian
// header, a typed key/value metadata section, a tensor directory, and an
// aligned payload section.
package gguf

import (
	"errors"
	"fmt"
)

const (
	Magic            = 0x46554747 // "GGUF"
	Version          = 3
	DefaultAlignment = 32

	// KeyAlignment overrides DefaultAlignment when present.
	KeyAlignment = "general.alignment"
)

var (
	// ErrFormat wraps every structural problem found while parsing.
	ErrFormat             = errors.New("malformed gguf")
	ErrInvalidMagic       = errors.New("invalid gguf magic")
	ErrUnsupportedVersion = errors.New("unsupported gguf version")
	ErrUnsupportedType    = errors.New("unsupported ggml type")
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ5_1 GGMLType = 7
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
	GGMLTypeBF16 GGMLType = 30
)

// traits: elements per block and bytes per block.
var typeTraits = map[GGMLType]struct{ blockSize, typeSize uint64 }{
	GGMLTypeF32:  {1, 4},
	GGMLTypeF16:  {1, 2},
	GGMLTypeBF16: {1, 2},
	GGMLTypeQ4_0: {32, 18},
	GGMLTypeQ4_1: {32, 20},
	GGMLTypeQ5_0: {32, 22},
	GGMLTypeQ5_1: {32, 24},
	GGMLTypeQ8_0: {32, 34},
	GGMLTypeQ2_K: {256, 84},
	GGMLTypeQ3_K: {256, 110},
	GGMLTypeQ4_K: {256, 144},
	GGMLTypeQ5_K: {256, 176},
	GGMLTypeQ6_K: {256, 210},
	GGMLTypeQ8_K: {256, 292},
}

// BlockSize returns the number of elements packed in one block of t.
func (t GGMLType) BlockSize() uint64 {
	return typeTraits[t].blockSize
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeBF16:
		return "BF16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ5_0:
		return "Q5_0"
	case GGMLTypeQ5_1:
		return "Q5_1"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ2_K:
		return "Q2_K"
	case GGMLTypeQ3_K:
		return "Q3_K"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ5_K:
		return "Q5_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	case GGMLTypeQ8_K:
		return "Q8_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}

type MetadataValueType uint32

const (
	MetadataValueTypeUint8   MetadataValueType = 0
	MetadataValueTypeInt8    MetadataValueType = 1
	MetadataValueTypeUint16  MetadataValueType = 2
	MetadataValueTypeInt16   MetadataValueType = 3
	MetadataValueTypeUint32  MetadataValueType = 4
	MetadataValueTypeInt32   MetadataValueType = 5
	MetadataValueTypeFloat32 MetadataValueType = 6
	MetadataValueTypeBool    MetadataValueType = 7
	MetadataValueTypeString  MetadataValueType = 8
	MetadataValueTypeArray   MetadataValueType = 9
	MetadataValueTypeUint64  MetadataValueType = 10
	MetadataValueTypeInt64   MetadataValueType = 11
	MetadataValueTypeFloat64 MetadataValueType = 12
)

type Header struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// TensorInfo is one directory entry. Dimensions are stored innermost first,
// the way ggml orders ne.
type TensorInfo struct {
	Name       string
	Dimensions []uint64
	Type       GGMLType
	Offset     uint64 // relative to the start of the payload section
}

func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// Shape returns the logical row-major shape, outermost first.
func (t *TensorInfo) Shape() []int {
	shape := make([]int, len(t.Dimensions))
	for i, d := range t.Dimensions {
		shape[len(shape)-1-i] = int(d)
	}
	return shape
}

// SizeBytes is the payload length of the tensor, or 0 for unknown types.
func (t *TensorInfo) SizeBytes() uint64 {
	tr, ok := typeTraits[t.Type]
	if !ok {
		return 0
	}
	return t.Elements() / tr.blockSize * tr.typeSize
}

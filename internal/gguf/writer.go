package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/x448/float16"
)

// KV is one metadata entry. Value must be one of the Go types the reader
// produces: sized integers, float32, float64, bool, string, or a slice of
// string, int32, uint32 or float32.
type KV struct {
	Key   string
	Value any
}

// WriterTensor is a tensor to serialize. Shape is logical, outermost first,
// and Data holds the already packed payload.
type WriterTensor struct {
	Name  string
	Shape []int
	Type  GGMLType
	Data  []byte
}

// Write serializes a version 3 container. Tensor payloads are laid out in
// order, each aligned to general.alignment (default 32).
func Write(w io.Writer, kv []KV, tensors []WriterTensor) error {
	alignment := uint64(DefaultAlignment)
	for _, e := range kv {
		if e.Key == KeyAlignment {
			v, ok := e.Value.(uint32)
			if !ok {
				return fmt.Errorf("%s must be uint32, got %T", KeyAlignment, e.Value)
			}
			alignment = uint64(v)
		}
	}

	e := &encoder{w: bufio.NewWriter(w)}
	e.u32(Magic)
	e.u32(Version)
	e.u64(uint64(len(tensors)))
	e.u64(uint64(len(kv)))

	for _, entry := range kv {
		e.str(entry.Key)
		if err := e.value(entry.Value); err != nil {
			return fmt.Errorf("metadata %q: %w", entry.Key, err)
		}
	}

	offsets := make([]uint64, len(tensors))
	var next uint64
	for i, t := range tensors {
		info := TensorInfo{Name: t.Name, Type: t.Type, Dimensions: make([]uint64, len(t.Shape))}
		for j, d := range t.Shape {
			info.Dimensions[len(t.Shape)-1-j] = uint64(d)
		}
		if _, ok := typeTraits[t.Type]; !ok {
			return fmt.Errorf("tensor %q: %w %d", t.Name, ErrUnsupportedType, uint32(t.Type))
		}
		if want := info.SizeBytes(); uint64(len(t.Data)) != want {
			return fmt.Errorf("tensor %q: payload is %d bytes, want %d", t.Name, len(t.Data), want)
		}

		offsets[i] = next
		next = align(next+uint64(len(t.Data)), alignment)

		e.str(t.Name)
		e.u32(uint32(len(info.Dimensions)))
		for _, d := range info.Dimensions {
			e.u64(d)
		}
		e.u32(uint32(t.Type))
		e.u64(offsets[i])
	}

	e.pad(align(e.n, alignment) - e.n)
	for i, t := range tensors {
		e.write(t.Data)
		if i+1 < len(tensors) {
			e.pad(offsets[i+1] - offsets[i] - uint64(len(t.Data)))
		}
	}

	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}

func align(n, to uint64) uint64 {
	if r := n % to; r != 0 {
		return n + to - r
	}
	return n
}

type encoder struct {
	w   *bufio.Writer
	n   uint64
	err error
}

func (e *encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	var n int
	n, e.err = e.w.Write(b)
	e.n += uint64(n)
}

func (e *encoder) pad(n uint64) {
	if n > 0 {
		e.write(make([]byte, n))
	}
}

func (e *encoder) u8(v uint8) { e.write([]byte{v}) }

func (e *encoder) u16(v uint16) { e.write(binary.LittleEndian.AppendUint16(nil, v)) }

func (e *encoder) u32(v uint32) { e.write(binary.LittleEndian.AppendUint32(nil, v)) }

func (e *encoder) u64(v uint64) { e.write(binary.LittleEndian.AppendUint64(nil, v)) }

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.write([]byte(s))
}

func (e *encoder) value(v any) error {
	switch v := v.(type) {
	case uint8:
		e.u32(uint32(MetadataValueTypeUint8))
		e.u8(v)
	case int8:
		e.u32(uint32(MetadataValueTypeInt8))
		e.u8(uint8(v))
	case uint16:
		e.u32(uint32(MetadataValueTypeUint16))
		e.u16(v)
	case int16:
		e.u32(uint32(MetadataValueTypeInt16))
		e.u16(uint16(v))
	case uint32:
		e.u32(uint32(MetadataValueTypeUint32))
		e.u32(v)
	case int32:
		e.u32(uint32(MetadataValueTypeInt32))
		e.u32(uint32(v))
	case float32:
		e.u32(uint32(MetadataValueTypeFloat32))
		e.u32(math.Float32bits(v))
	case bool:
		e.u32(uint32(MetadataValueTypeBool))
		if v {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case string:
		e.u32(uint32(MetadataValueTypeString))
		e.str(v)
	case uint64:
		e.u32(uint32(MetadataValueTypeUint64))
		e.u64(v)
	case int64:
		e.u32(uint32(MetadataValueTypeInt64))
		e.u64(uint64(v))
	case float64:
		e.u32(uint32(MetadataValueTypeFloat64))
		e.u64(math.Float64bits(v))
	case []string:
		e.arrayHeader(MetadataValueTypeString, len(v))
		for _, s := range v {
			e.str(s)
		}
	case []int32:
		e.arrayHeader(MetadataValueTypeInt32, len(v))
		for _, x := range v {
			e.u32(uint32(x))
		}
	case []uint32:
		e.arrayHeader(MetadataValueTypeUint32, len(v))
		for _, x := range v {
			e.u32(x)
		}
	case []float32:
		e.arrayHeader(MetadataValueTypeFloat32, len(v))
		for _, x := range v {
			e.u32(math.Float32bits(x))
		}
	default:
		return fmt.Errorf("unsupported metadata type %T", v)
	}
	return nil
}

func (e *encoder) arrayHeader(elem MetadataValueType, n int) {
	e.u32(uint32(MetadataValueTypeArray))
	e.u32(uint32(elem))
	e.u64(uint64(n))
}

// EncodeF32 packs values as a little-endian F32 payload.
func EncodeF32(values []float32) []byte {
	out := make([]byte, 0, 4*len(values))
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// EncodeF16 packs values as a little-endian F16 payload.
func EncodeF16(values []float32) []byte {
	out := make([]byte, 0, 2*len(values))
	for _, v := range values {
		out = binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(v).Bits())
	}
	return out
}

// QuantizeQ8_0 packs values (a multiple of 32) with one f16 scale per
// block of 32, the scale being max|x|/127.
func QuantizeQ8_0(values []float32) ([]byte, error) {
	if len(values)%32 != 0 {
		return nil, fmt.Errorf("%w: %d values is not a multiple of 32", ErrFormat, len(values))
	}
	out := make([]byte, 0, len(values)/32*34)
	for b := 0; b < len(values); b += 32 {
		block := values[b : b+32]
		var amax float32
		for _, v := range block {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		h := float16.Fromfloat32(d)
		out = binary.LittleEndian.AppendUint16(out, h.Bits())
		inv := float32(0)
		if d != 0 {
			inv = 1 / d
		}
		for _, v := range block {
			out = append(out, byte(int8(math.Round(float64(v*inv)))))
		}
	}
	return out, nil
}

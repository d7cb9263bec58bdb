package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"

	"github.com/rs/zerolog/log"
)

// Sanity bounds applied while parsing. A corrupt header fails here rather
// than allocating unbounded memory.
const (
	maxStringLen   = 1 << 24
	maxArrayLen    = 1 << 26
	maxTensorCount = 1 << 20
	maxKVCount     = 1 << 20
	maxDims        = 4
)

// File is a parsed GGUF container. Only the header, metadata and tensor
// directory are held in memory; payload bytes are read on demand.
type File struct {
	Header     Header
	KV         map[string]any
	Tensors    []*TensorInfo
	Alignment  uint64
	DataOffset uint64 // absolute offset of the payload section

	r      io.ReaderAt
	size   int64
	closer io.Closer
	index  map[string]*TensorInfo
}

// Open opens path and parses its directory without reading any tensor
// payload.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	file, err := NewFile(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.closer = f
	return file, nil
}

// NewFile parses the container held by r, which is size bytes long.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	d := &decoder{r: bufio.NewReaderSize(io.NewSectionReader(r, 0, size), 1<<16)}

	file := &File{
		KV:    make(map[string]any),
		r:     r,
		size:  size,
		index: make(map[string]*TensorInfo),
	}

	file.Header.Magic = d.u32()
	if d.err == nil && file.Header.Magic != Magic {
		return nil, fmt.Errorf("%w: %w: %#x", ErrFormat, ErrInvalidMagic, file.Header.Magic)
	}
	file.Header.Version = d.u32()
	if d.err == nil && (file.Header.Version < 2 || file.Header.Version > 3) {
		return nil, fmt.Errorf("%w: %w: %d", ErrFormat, ErrUnsupportedVersion, file.Header.Version)
	}
	file.Header.TensorCount = d.u64()
	file.Header.KVCount = d.u64()
	if d.err != nil {
		return nil, d.fail("header")
	}
	if file.Header.TensorCount > maxTensorCount || file.Header.KVCount > maxKVCount {
		return nil, fmt.Errorf("%w: implausible counts (tensors=%d, kv=%d)", ErrFormat, file.Header.TensorCount, file.Header.KVCount)
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key := d.str()
		typ := MetadataValueType(d.u32())
		val := d.value(typ)
		if d.err != nil {
			return nil, d.fail(fmt.Sprintf("metadata entry %d", i))
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		t := &TensorInfo{Name: d.str()}
		nDims := d.u32()
		if d.err == nil && nDims > maxDims {
			return nil, fmt.Errorf("%w: tensor %q has %d dimensions", ErrFormat, t.Name, nDims)
		}
		t.Dimensions = make([]uint64, nDims)
		for j := range t.Dimensions {
			t.Dimensions[j] = d.u64()
		}
		t.Type = GGMLType(d.u32())
		t.Offset = d.u64()
		if d.err != nil {
			return nil, d.fail(fmt.Sprintf("tensor info %d", i))
		}
		if _, dup := file.index[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor %q", ErrFormat, t.Name)
		}
		file.Tensors = append(file.Tensors, t)
		file.index[t.Name] = t
	}

	file.Alignment = DefaultAlignment
	if v, ok := file.Uint(KeyAlignment); ok {
		if v == 0 || v&(v-1) != 0 {
			return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrFormat, v)
		}
		file.Alignment = v
	}

	// Pad offset to alignment
	offset := d.n
	padding := file.Alignment - (offset % file.Alignment)
	if padding != file.Alignment {
		offset += padding
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		tr, ok := typeTraits[t.Type]
		if !ok {
			return nil, fmt.Errorf("%w: tensor %q: %w %d", ErrFormat, t.Name, ErrUnsupportedType, uint32(t.Type))
		}
		n, ok := checkedElements(t.Dimensions)
		if !ok {
			return nil, fmt.Errorf("%w: tensor %q dimensions %v overflow", ErrFormat, t.Name, t.Dimensions)
		}
		if n%tr.blockSize != 0 {
			return nil, fmt.Errorf("%w: tensor %q has %d elements, not a multiple of the %s block size", ErrFormat, t.Name, n, t.Type)
		}
		hi, nbytes := bits.Mul64(n/tr.blockSize, tr.typeSize)
		start, c1 := bits.Add64(file.DataOffset, t.Offset, 0)
		end, c2 := bits.Add64(start, nbytes, 0)
		if hi != 0 || c1 != 0 || c2 != 0 || end > uint64(size) {
			return nil, fmt.Errorf("%w: tensor %q at offset %d with %d bytes lies past file size %d", ErrFormat, t.Name, t.Offset, nbytes, size)
		}
	}

	log.Debug().
		Uint32("version", file.Header.Version).
		Uint64("tensors", file.Header.TensorCount).
		Uint64("kv", file.Header.KVCount).
		Uint64("data_offset", file.DataOffset).
		Msg("gguf directory parsed")

	return file, nil
}

// checkedElements multiplies dims, reporting false if the product or any
// single dimension does not fit in an int64.
func checkedElements(dims []uint64) (uint64, bool) {
	n := uint64(1)
	for _, d := range dims {
		if d > math.MaxInt64 {
			return 0, false
		}
		hi, lo := bits.Mul64(n, d)
		if hi != 0 || lo > math.MaxInt64 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

// Lookup returns the directory entry stored under name.
func (f *File) Lookup(name string) (*TensorInfo, bool) {
	t, ok := f.index[name]
	return t, ok
}

// ReadTensor reads exactly t.SizeBytes() payload bytes. It uses positioned
// reads and is safe for concurrent use.
func (f *File) ReadTensor(t *TensorInfo) ([]byte, error) {
	buf := make([]byte, t.SizeBytes())
	n, err := f.r.ReadAt(buf, int64(f.DataOffset+t.Offset))
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read tensor %q: %w", t.Name, err)
}

// Close releases the underlying file when the container was opened by path.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// decoder reads little-endian primitives and remembers the first error.
type decoder struct {
	r   *bufio.Reader
	n   uint64
	err error
	buf [8]byte
}

func (d *decoder) fail(what string) error {
	if d.err == io.EOF {
		d.err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %s at offset %d: %w", ErrFormat, what, d.n, d.err)
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	_, d.err = io.ReadFull(d.r, d.buf[:n])
	d.n += uint64(n)
	return d.buf[:n]
}

func (d *decoder) u8() uint8   { return d.read(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.read(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }

func (d *decoder) str() string {
	n := d.u64()
	if d.err != nil {
		return ""
	}
	if n > maxStringLen {
		d.err = fmt.Errorf("string length %d exceeds limit", n)
		return ""
	}
	b := make([]byte, n)
	_, d.err = io.ReadFull(d.r, b)
	d.n += n
	return string(b)
}

func (d *decoder) value(typ MetadataValueType) any {
	switch typ {
	case MetadataValueTypeUint8:
		return d.u8()
	case MetadataValueTypeInt8:
		return int8(d.u8())
	case MetadataValueTypeUint16:
		return d.u16()
	case MetadataValueTypeInt16:
		return int16(d.u16())
	case MetadataValueTypeUint32:
		return d.u32()
	case MetadataValueTypeInt32:
		return int32(d.u32())
	case MetadataValueTypeFloat32:
		return math.Float32frombits(d.u32())
	case MetadataValueTypeBool:
		return d.u8() != 0
	case MetadataValueTypeString:
		return d.str()
	case MetadataValueTypeUint64:
		return d.u64()
	case MetadataValueTypeInt64:
		return int64(d.u64())
	case MetadataValueTypeFloat64:
		return math.Float64frombits(d.u64())
	case MetadataValueTypeArray:
		return d.array()
	}
	if d.err == nil {
		d.err = fmt.Errorf("unknown metadata value type %d", typ)
	}
	return nil
}

// array decodes strings, 32-bit integers and floats into typed slices and
// everything else into []any.
func (d *decoder) array() any {
	elem := MetadataValueType(d.u32())
	n := d.u64()
	if d.err != nil {
		return nil
	}
	if n > maxArrayLen {
		d.err = fmt.Errorf("array length %d exceeds limit", n)
		return nil
	}
	switch elem {
	case MetadataValueTypeString:
		out := make([]string, 0, min(n, 1<<16))
		for i := uint64(0); i < n && d.err == nil; i++ {
			out = append(out, d.str())
		}
		return out
	case MetadataValueTypeInt32:
		out := make([]int32, 0, min(n, 1<<16))
		for i := uint64(0); i < n && d.err == nil; i++ {
			out = append(out, int32(d.u32()))
		}
		return out
	case MetadataValueTypeUint32:
		out := make([]uint32, 0, min(n, 1<<16))
		for i := uint64(0); i < n && d.err == nil; i++ {
			out = append(out, d.u32())
		}
		return out
	case MetadataValueTypeFloat32:
		out := make([]float32, 0, min(n, 1<<16))
		for i := uint64(0); i < n && d.err == nil; i++ {
			out = append(out, math.Float32frombits(d.u32()))
		}
		return out
	}
	out := make([]any, 0, min(n, 1<<16))
	for i := uint64(0); i < n && d.err == nil; i++ {
		out = append(out, d.value(elem))
	}
	return out
}

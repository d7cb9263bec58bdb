package gguf

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, kv []KV, tensors []WriterTensor) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Write(f, kv, tensors))
	require.NoError(t, f.Close())
	return path
}

func TestRoundTrip(t *testing.T) {
	weights := []float32{1, 2, 3, 4, 5, 6}
	bias := []float32{0.5, -0.5, 0.25}

	path := writeFile(t, []KV{
		{"general.architecture", "bart"},
		{"bart.block_count", uint32(12)},
		{"general.file_type", int32(1)},
		{"tokenizer.ggml.tokens", []string{"<s>", "</s>", "hello"}},
		{"tokenizer.ggml.scores", []float32{0, 0, -1.5}},
		{"general.quantized", true},
	}, []WriterTensor{
		{Name: "w", Shape: []int{2, 3}, Type: GGMLTypeF32, Data: EncodeF32(weights)},
		{Name: "b", Shape: []int{3}, Type: GGMLTypeF16, Data: EncodeF16(bias)},
	})

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, uint32(3), f.Header.Version)
	assert.Equal(t, uint64(2), f.Header.TensorCount)
	assert.Equal(t, "bart", f.Architecture())
	assert.Equal(t, uint64(0), f.DataOffset%DefaultAlignment)

	n, ok := f.Uint("bart.block_count")
	require.True(t, ok)
	assert.Equal(t, uint64(12), n)

	tokens, ok := f.Strings("tokenizer.ggml.tokens")
	require.True(t, ok)
	assert.Equal(t, []string{"<s>", "</s>", "hello"}, tokens)
	assert.Equal(t, []float32{0, 0, -1.5}, f.KV["tokenizer.ggml.scores"])
	assert.Equal(t, true, f.KV["general.quantized"])

	w, ok := f.Lookup("w")
	require.True(t, ok)
	assert.Equal(t, []uint64{3, 2}, w.Dimensions, "ne is stored innermost first")
	assert.Equal(t, []int{2, 3}, w.Shape())
	assert.Equal(t, uint64(24), w.SizeBytes())

	raw, err := f.ReadTensor(w)
	require.NoError(t, err)
	got, err := Dequantize(w.Type, raw, int(w.Elements()))
	require.NoError(t, err)
	assert.Equal(t, weights, got)

	b, ok := f.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, uint64(0), b.Offset%DefaultAlignment)
	raw, err = f.ReadTensor(b)
	require.NoError(t, err)
	got, err = Dequantize(b.Type, raw, 3)
	require.NoError(t, err)
	assert.Equal(t, bias, got)

	_, ok = f.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"missing"}, f.FindMissing([]string{"w", "missing", "b"}))

	stats := f.Stats()
	assert.Equal(t, 2, stats.TensorCount)
	assert.Equal(t, uint64(9), stats.TotalParams)
	assert.Equal(t, uint64(24), stats.BytesPerType["F32"])
}

func TestCustomAlignment(t *testing.T) {
	path := writeFile(t, []KV{{KeyAlignment, uint32(64)}}, []WriterTensor{
		{Name: "a", Shape: []int{3}, Type: GGMLTypeF32, Data: EncodeF32([]float32{1, 2, 3})},
		{Name: "b", Shape: []int{1}, Type: GGMLTypeF32, Data: EncodeF32([]float32{4})},
	})
	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, uint64(64), f.Alignment)
	assert.Equal(t, uint64(0), f.DataOffset%64)
	b, _ := f.Lookup("b")
	assert.Equal(t, uint64(64), b.Offset)

	raw, err := f.ReadTensor(b)
	require.NoError(t, err)
	assert.Equal(t, EncodeF32([]float32{4}), raw)
}

func TestOpenErrors(t *testing.T) {
	valid := func() []byte {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, []KV{{"k", "v"}}, []WriterTensor{
			{Name: "a", Shape: []int{4}, Type: GGMLTypeF32, Data: EncodeF32([]float32{1, 2, 3, 4})},
		}))
		return buf.Bytes()
	}

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "nope.gguf"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("BadMagic", func(t *testing.T) {
		data := valid()
		copy(data, "GGML")
		_, err := NewFile(bytes.NewReader(data), int64(len(data)))
		require.ErrorIs(t, err, ErrFormat)
		require.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("BadVersion", func(t *testing.T) {
		data := valid()
		binary.LittleEndian.PutUint32(data[4:], 7)
		_, err := NewFile(bytes.NewReader(data), int64(len(data)))
		require.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("Truncated", func(t *testing.T) {
		data := valid()
		for _, n := range []int{3, 20, 40} {
			_, err := NewFile(bytes.NewReader(data[:n]), int64(n))
			require.ErrorIs(t, err, ErrFormat, "truncated at %d", n)
		}
	})

	t.Run("PayloadPastEnd", func(t *testing.T) {
		data := valid()
		short := data[:len(data)-4]
		_, err := NewFile(bytes.NewReader(short), int64(len(short)))
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("ImplausibleCounts", func(t *testing.T) {
		data := valid()
		binary.LittleEndian.PutUint64(data[8:], math.MaxUint64)
		_, err := NewFile(bytes.NewReader(data), int64(len(data)))
		require.ErrorIs(t, err, ErrFormat)
	})

	// entry returns the position of the first dimension of tensor "a".
	entry := func(data []byte, dims ...uint64) int {
		var want []byte
		want = binary.LittleEndian.AppendUint64(want, 1)
		want = append(want, 'a')
		want = binary.LittleEndian.AppendUint32(want, uint32(len(dims)))
		for _, d := range dims {
			want = binary.LittleEndian.AppendUint64(want, d)
		}
		i := bytes.Index(data, want)
		require.GreaterOrEqual(t, i, 0)
		return i + 8 + 1 + 4
	}

	t.Run("ElementOverflow", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, nil, []WriterTensor{
			{Name: "a", Shape: []int{2, 2}, Type: GGMLTypeF32, Data: EncodeF32([]float32{1, 2, 3, 4})},
		}))
		data := buf.Bytes()
		dims := entry(data, 2, 2)
		binary.LittleEndian.PutUint64(data[dims:], 1<<32)
		binary.LittleEndian.PutUint64(data[dims+8:], 1<<32)
		_, err := NewFile(bytes.NewReader(data), int64(len(data)))
		require.ErrorIs(t, err, ErrFormat)
		assert.Contains(t, err.Error(), "overflow")
	})

	t.Run("HugeDimension", func(t *testing.T) {
		data := valid()
		binary.LittleEndian.PutUint64(data[entry(data, 4):], math.MaxUint64)
		_, err := NewFile(bytes.NewReader(data), int64(len(data)))
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("OffsetWraps", func(t *testing.T) {
		data := valid()
		off := entry(data, 4) + 8 + 4
		binary.LittleEndian.PutUint64(data[off:], math.MaxUint64-7)
		_, err := NewFile(bytes.NewReader(data), int64(len(data)))
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("UnknownType", func(t *testing.T) {
		var buf bytes.Buffer
		err := Write(&buf, nil, []WriterTensor{{Name: "a", Shape: []int{1}, Type: GGMLType(200), Data: []byte{0}}})
		require.ErrorIs(t, err, ErrUnsupportedType)
	})
}

func TestConcurrentReads(t *testing.T) {
	var tensors []WriterTensor
	for i := 0; i < 8; i++ {
		v := make([]float32, 16)
		for j := range v {
			v[j] = float32(i)
		}
		tensors = append(tensors, WriterTensor{
			Name:  string(rune('a' + i)),
			Shape: []int{16},
			Type:  GGMLTypeF32,
			Data:  EncodeF32(v),
		})
	}
	f, err := Open(writeFile(t, nil, tensors))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var wg sync.WaitGroup
	for i := range tensors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, ok := f.Lookup(tensors[i].Name)
			assert.True(t, ok)
			raw, err := f.ReadTensor(info)
			assert.NoError(t, err)
			got, err := Dequantize(GGMLTypeF32, raw, 16)
			assert.NoError(t, err)
			assert.Equal(t, float32(i), got[15])
		}(i)
	}
	wg.Wait()
}

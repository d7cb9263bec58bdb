package gguf

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	f16One  = 0x3C00
	f16Half = 0x3800
)

func TestDequantizeQ8_0(t *testing.T) {
	block := make([]byte, 34)
	binary.LittleEndian.PutUint16(block, f16Half)
	for j := 0; j < 32; j++ {
		block[2+j] = byte(int8(j - 16))
	}

	out, err := Dequantize(GGMLTypeQ8_0, block, 32)
	require.NoError(t, err)
	for j, v := range out {
		assert.Equal(t, float32(j-16)*0.5, v, "element %d", j)
	}
}

func TestQuantizeQ8_0RoundTrip(t *testing.T) {
	values := make([]float32, 64)
	for i := range values {
		values[i] = float32(math.Sin(float64(i))) * 3
	}
	raw, err := QuantizeQ8_0(values)
	require.NoError(t, err)
	require.Len(t, raw, 68)

	out, err := Dequantize(GGMLTypeQ8_0, raw, len(values))
	require.NoError(t, err)
	for i := range values {
		assert.InDelta(t, values[i], out[i], 3.0/127+1e-3)
	}

	_, err = QuantizeQ8_0(values[:10])
	require.ErrorIs(t, err, ErrFormat)
}

func TestDequantizeQ4_0(t *testing.T) {
	block := make([]byte, 18)
	binary.LittleEndian.PutUint16(block, f16One)
	block[2] = 0xF0 // element 0 -> 0-8, element 16 -> 15-8
	block[3] = 0x89 // element 1 -> 9-8, element 17 -> 8-8
	for j := 2; j < 16; j++ {
		block[2+j] = 0x88
	}

	out, err := Dequantize(GGMLTypeQ4_0, block, 32)
	require.NoError(t, err)
	assert.Equal(t, float32(-8), out[0])
	assert.Equal(t, float32(7), out[16])
	assert.Equal(t, float32(1), out[1])
	assert.Equal(t, float32(0), out[17])
	assert.Equal(t, float32(0), out[31])
}

func TestDequantizeQ4K(t *testing.T) {
	block := make([]byte, 144)
	binary.LittleEndian.PutUint16(block[0:], f16One)  // d
	binary.LittleEndian.PutUint16(block[2:], f16Half) // dmin
	scales := block[4:16]
	scales[0] = 2 // scale of sub-block 0
	scales[4] = 1 // min of sub-block 0
	scales[1] = 3 // scale of sub-block 1, min 0
	qs := block[16:]
	qs[0] = 0x45 // low nibble 5 feeds sub-block 0, high nibble 4 feeds sub-block 1

	out, err := Dequantize(GGMLTypeQ4_K, block, 256)
	require.NoError(t, err)
	assert.Equal(t, float32(2*5-0.5), out[0])
	assert.Equal(t, float32(-0.5), out[1])
	assert.Equal(t, float32(3*4), out[32])
	assert.Equal(t, float32(0), out[33])
	assert.Equal(t, float32(0), out[255])
}

func TestScaleMinK4HighSubBlocks(t *testing.T) {
	q := make([]byte, 12)
	q[8] = 0x21 // j=4: low nibble scale bits, high nibble min bits
	q[0] = 0xC0 // top two bits of scale for j=4
	q[4] = 0x40 // top two bits of min for j=4
	sc, m := scaleMinK4(4, q)
	assert.Equal(t, uint8(0x01|0x30), sc)
	assert.Equal(t, uint8(0x02|0x10), m)
}

func TestDequantizeQ6K(t *testing.T) {
	block := make([]byte, 210)
	ql := block[0:128]
	qh := block[128:192]
	sc := block[192:208]
	binary.LittleEndian.PutUint16(block[208:], f16One)
	sc[0] = 1
	sc[2] = 2
	ql[0] = 0x05
	qh[0] = 0x04 // bits 2..3 feed element 32

	out, err := Dequantize(GGMLTypeQ6_K, block, 256)
	require.NoError(t, err)
	assert.Equal(t, float32(5-32), out[0])
	assert.Equal(t, float32(-32), out[1])
	assert.Equal(t, float32(0), out[16], "scale 1 is zero")
	assert.Equal(t, float32(2*(16-32)), out[32])
	assert.Equal(t, float32(0), out[64])
}

func TestDequantizeBF16(t *testing.T) {
	values := []float32{1, -2, 0.5, 3.25}
	raw := make([]byte, 0, 8)
	for _, v := range values {
		raw = binary.LittleEndian.AppendUint16(raw, uint16(math.Float32bits(v)>>16))
	}
	out, err := Dequantize(GGMLTypeBF16, raw, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, out)
}

func TestDequantizeErrors(t *testing.T) {
	_, err := Dequantize(GGMLTypeQ8_0, make([]byte, 33), 32)
	require.ErrorIs(t, err, ErrFormat)

	_, err = Dequantize(GGMLTypeQ8_0, make([]byte, 34), 31)
	require.ErrorIs(t, err, ErrFormat)

	_, err = Dequantize(GGMLTypeQ5_K, make([]byte, 176), 256)
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Dequantize(GGMLType(99), nil, 0)
	require.ErrorIs(t, err, ErrUnsupportedType)
}

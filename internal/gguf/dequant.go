package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Dequantize decodes n elements of typ from raw into float32 values. raw
// must hold exactly the packed size of n elements.
func Dequantize(typ GGMLType, raw []byte, n int) ([]float32, error) {
	tr, ok := typeTraits[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint32(typ))
	}
	if n < 0 || uint64(n)%tr.blockSize != 0 {
		return nil, fmt.Errorf("%w: %d elements is not a multiple of the %s block size %d", ErrFormat, n, typ, tr.blockSize)
	}
	if want := uint64(n) / tr.blockSize * tr.typeSize; uint64(len(raw)) != want {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrFormat, typ, len(raw), want)
	}

	switch typ {
	case GGMLTypeF32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	case GGMLTypeBF16:
		return bfloat16.DecodeFloat32(raw), nil
	case GGMLTypeQ8_0:
		return dequantizeQ8_0(raw, n), nil
	case GGMLTypeQ4_0:
		return dequantizeQ4_0(raw, n), nil
	case GGMLTypeQ4_K:
		return dequantizeQ4K(raw, n), nil
	case GGMLTypeQ6_K:
		return dequantizeQ6K(raw, n), nil
	}
	return nil, fmt.Errorf("%w: no decoder for %s", ErrUnsupportedType, typ)
}

func half(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// Q8_0: f16 scale d, then 32 signed bytes. x = d * q.
func dequantizeQ8_0(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for b := 0; b < n/32; b++ {
		block := raw[b*34 : (b+1)*34]
		d := half(block[0:2])
		for j := 0; j < 32; j++ {
			out[b*32+j] = d * float32(int8(block[2+j]))
		}
	}
	return out
}

// Q4_0: f16 scale d, then 16 bytes of nibble pairs. The low nibble of byte j
// is element j, the high nibble is element j+16; both are offset by 8.
func dequantizeQ4_0(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for b := 0; b < n/32; b++ {
		block := raw[b*18 : (b+1)*18]
		d := half(block[0:2])
		qs := block[2:]
		y := out[b*32 : (b+1)*32]
		for j := 0; j < 16; j++ {
			y[j] = float32(int(qs[j]&0x0F)-8) * d
			y[j+16] = float32(int(qs[j]>>4)-8) * d
		}
	}
	return out
}

// scaleMinK4 unpacks the j-th 6-bit scale and min of a Q4_K block.
func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc := (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

// Q4_K super-block (256 elements, 144 bytes):
// d f16, dmin f16, 12 bytes of packed 6-bit scales/mins, 128 bytes of nibbles.
func dequantizeQ4K(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for b := 0; b < n/256; b++ {
		block := raw[b*144 : (b+1)*144]
		d := half(block[0:2])
		dmin := half(block[2:4])
		scales := block[4:16]
		q := block[16:]
		y := out[b*256 : (b+1)*256]

		is := 0
		for j := 0; j < 256; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			for l := 0; l < 32; l++ {
				y[j+l] = d1*float32(q[l]&0x0F) - m1
			}
			for l := 0; l < 32; l++ {
				y[j+32+l] = d2*float32(q[l]>>4) - m2
			}
			q = q[32:]
			is += 2
		}
	}
	return out
}

// Q6_K super-block (256 elements, 210 bytes):
// 128 bytes low nibbles, 64 bytes high 2-bit pairs, 16 int8 scales, d f16.
func dequantizeQ6K(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for b := 0; b < n/256; b++ {
		block := raw[b*210 : (b+1)*210]
		ql := block[0:128]
		qh := block[128:192]
		sc := block[192:208]
		d := half(block[208:210])
		y := out[b*256 : (b+1)*256]

		for h := 0; h < 2; h++ {
			yy := y[h*128:]
			l4 := ql[h*64:]
			h2 := qh[h*32:]
			s := sc[h*8:]
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int((l4[l]&0x0F)|((h2[l]>>0)&3)<<4) - 32
				q2 := int((l4[l+32]&0x0F)|((h2[l]>>2)&3)<<4) - 32
				q3 := int((l4[l]>>4)|((h2[l]>>4)&3)<<4) - 32
				q4 := int((l4[l+32]>>4)|((h2[l]>>6)&3)<<4) - 32
				yy[l] = d * float32(int8(s[is])) * float32(q1)
				yy[l+32] = d * float32(int8(s[is+2])) * float32(q2)
				yy[l+64] = d * float32(int8(s[is+4])) * float32(q3)
				yy[l+96] = d * float32(int8(s[is+6])) * float32(q4)
			}
		}
	}
	return out
}

package device

import (
	"math"

	"github.com/x448/float16"
)

// MaxFloat16 is the largest finite IEEE 754 binary16 value.
const MaxFloat16 = 65504.0

// Float32ToFloat16 converts a float32 to its binary16 bit pattern, rounding
// to nearest even. Finite values outside the half range are clamped to
// ±MaxFloat16 instead of overflowing to infinity. NaN and Inf pass through.
func Float32ToFloat16(f float32) uint16 {
	if !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0) {
		if f > MaxFloat16 {
			f = MaxFloat16
		} else if f < -MaxFloat16 {
			f = -MaxFloat16
		}
	}
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 widens a binary16 bit pattern, subnormals included.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// RoundFloat16 rounds every element of v to the nearest representable half
// value in place.
func RoundFloat16(v []float32) {
	for i, x := range v {
		v[i] = Float16ToFloat32(Float32ToFloat16(x))
	}
}

// Package simd holds unrolled float32 vector kernels shared by the CPU
// backend and the activation report.
package simd

import "math"

// VecAddTo performs dst = a + b.
func VecAddTo(dst, a, b []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] + b[i]
		dst[i+1] = a[i+1] + b[i+1]
		dst[i+2] = a[i+2] + b[i+2]
		dst[i+3] = a[i+3] + b[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] + b[i]
	}
}

// MaxAbs returns the largest absolute finite value in v.
func MaxAbs(v []float32) float32 {
	var m float32
	for _, x := range v {
		if x != x || math.IsInf(float64(x), 0) {
			continue
		}
		if x < 0 {
			x = -x
		}
		if x > m {
			m = x
		}
	}
	return m
}

// AllZero reports whether every element of v is exactly zero.
func AllZero(v []float32) bool {
	i := 0
	for ; i <= len(v)-4; i += 4 {
		if v[i] != 0 || v[i+1] != 0 || v[i+2] != 0 || v[i+3] != 0 {
			return false
		}
	}
	for ; i < len(v); i++ {
		if v[i] != 0 {
			return false
		}
	}
	return true
}

// CountNonFinite counts NaN and infinite elements of v.
func CountNonFinite(v []float32) (nans, infs int) {
	for _, x := range v {
		switch {
		case x != x:
			nans++
		case math.IsInf(float64(x), 0):
			infs++
		}
	}
	return nans, infs
}

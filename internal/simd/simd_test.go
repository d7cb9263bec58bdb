package simd

import (
	"math"
	"testing"
)

func TestVecAddTo(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{6, 5, 4, 3, 2, 1}
	dst := make([]float32, 6)

	VecAddTo(dst, a, b)

	for i, v := range dst {
		if v != 7 {
			t.Errorf("VecAddTo(%d) = %f, want 7", i, v)
		}
	}
	if a[0] != 1 || b[0] != 6 {
		t.Error("VecAddTo modified its inputs")
	}
}

func TestMaxAbs(t *testing.T) {
	v := []float32{1, -7.5, 3, float32(math.NaN()), float32(math.Inf(-1))}
	if got := MaxAbs(v); got != 7.5 {
		t.Errorf("MaxAbs = %f, want 7.5", got)
	}
	if got := MaxAbs(nil); got != 0 {
		t.Errorf("MaxAbs(nil) = %f, want 0", got)
	}
}

func TestAllZero(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want bool
	}{
		{"empty", nil, true},
		{"zeros", make([]float32, 9), true},
		{"tail", []float32{0, 0, 0, 0, 0, 0, 0, 0, 1e-30}, false},
		{"head", []float32{-1, 0, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllZero(tt.in); got != tt.want {
				t.Errorf("AllZero = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCountNonFinite(t *testing.T) {
	v := []float32{0, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1)), 2}
	nans, infs := CountNonFinite(v)
	if nans != 1 || infs != 2 {
		t.Errorf("CountNonFinite = (%d, %d), want (1, 2)", nans, infs)
	}
}

func BenchmarkVecAddTo(b *testing.B) {
	dst := make([]float32, 1024)
	x := make([]float32, 1024)
	y := make([]float32, 1024)
	for i := range x {
		x[i] = float32(i)
		y[i] = float32(-i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VecAddTo(dst, x, y)
	}
}

package device

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/NatanFreeman/bart-rs/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// CPUBackend keeps tensors in host memory and multiplies through gonum's
// BLAS. Importing with -tags netlib swaps in the system BLAS.
type CPUBackend struct{}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, dtype DataType, data []float32) (Tensor, error) {
	if r <= 0 || c <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrTensorOp, r, c)
	}
	size := r * c
	buf := make([]float32, size)
	if data != nil {
		if len(data) != size {
			return nil, fmt.Errorf("%w: data length %d does not match %dx%d", ErrTensorOp, len(data), r, c)
		}
		copy(buf, data)
	}
	return b.wrap(r, c, dtype, buf), nil
}

// wrap takes ownership of data and rounds it to dtype.
func (b *CPUBackend) wrap(r, c int, dtype DataType, data []float32) *CPUTensor {
	if dtype == Float16 {
		RoundFloat16(data)
	}
	tensorAllocBytes.WithLabelValues(b.Name()).Add(float64(4 * len(data)))
	return &CPUTensor{
		backend: b,
		data:    data,
		rows:    r,
		cols:    c,
		stride:  c,
		dtype:   dtype,
	}
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

// CPUTensor is a row-major view over host memory. A stride of zero repeats
// physical row 0 for every logical row.
type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	stride  int
	trans   bool // Transposed view flag
	dtype   DataType
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) DataType() DataType {
	return t.dtype
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.stride+i]
	}
	return t.data[i*t.stride+j]
}

func (t *CPUTensor) Row(i int) []float32 {
	_, c := t.Dims()
	out := make([]float32, c)
	if !t.trans {
		copy(out, t.data[i*t.stride:i*t.stride+c])
		return out
	}
	for j := range out {
		out[j] = t.At(i, j)
	}
	return out
}

func (t *CPUTensor) contiguous() bool {
	return !t.trans && t.stride == t.cols
}

// dense returns the logical row-major values, sharing storage when the
// layout already matches.
func (t *CPUTensor) dense() []float32 {
	if t.contiguous() {
		return t.data[:t.rows*t.cols]
	}
	r, c := t.Dims()
	out := make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[i*c+j] = t.At(i, j)
		}
	}
	return out
}

func (t *CPUTensor) ToHost() []float32 {
	d := t.dense()
	if t.contiguous() {
		out := make([]float32, len(d))
		copy(out, d)
		return out
	}
	return d
}

func (t *CPUTensor) T() Tensor {
	if t.stride == 0 {
		// broadcast views have no transposable storage
		r, c := t.Dims()
		return t.backend.wrap(r, c, t.dtype, t.dense()).T()
	}
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		stride:  t.stride,
		trans:   !t.trans, // Toggle transpose state
		dtype:   t.dtype,
	}
}

func (t *CPUTensor) Reshape(r, c int) (Tensor, error) {
	tr, tc := t.Dims()
	if r <= 0 || c <= 0 || r*c != tr*tc {
		return nil, fmt.Errorf("%w: reshape %dx%d to %dx%d", ErrTensorOp, tr, tc, r, c)
	}
	tensorOps.WithLabelValues(t.backend.Name(), "reshape").Inc()
	if t.contiguous() {
		return &CPUTensor{backend: t.backend, data: t.data, rows: r, cols: c, stride: c, dtype: t.dtype}, nil
	}
	return t.backend.wrap(r, c, t.dtype, t.dense()), nil
}

func (t *CPUTensor) Cast(dtype DataType) Tensor {
	tensorOps.WithLabelValues(t.backend.Name(), "cast").Inc()
	r, c := t.Dims()
	return t.backend.wrap(r, c, dtype, t.ToHost())
}

// general describes t's storage to BLAS.
func (t *CPUTensor) general() (blas32.General, blas.Transpose) {
	if t.stride == 0 {
		r, c := t.Dims()
		return blas32.General{Rows: r, Cols: c, Stride: c, Data: t.dense()}, blas.NoTrans
	}
	g := blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.stride, Data: t.data}
	if t.trans {
		return g, blas.Trans
	}
	return g, blas.NoTrans
}

func (t *CPUTensor) MatMul(other Tensor) (Tensor, error) {
	o, ok := other.(*CPUTensor)
	if !ok {
		return nil, fmt.Errorf("%w: mixed backend matmul", ErrTensorOp)
	}
	if t.dtype != o.dtype {
		return nil, fmt.Errorf("%w: matmul %s by %s", ErrTensorOp, t.dtype, o.dtype)
	}

	ar, ac := t.Dims()
	br, bc := o.Dims()
	if ac != br {
		return nil, fmt.Errorf("%w: matmul dimension mismatch, %dx%d by %dx%d", ErrTensorOp, ar, ac, br, bc)
	}

	a, ta := t.general()
	b, tb := o.general()
	out := make([]float32, ar*bc)
	blas32.Gemm(ta, tb, 1, a, b, 0, blas32.General{Rows: ar, Cols: bc, Stride: bc, Data: out})

	tensorOps.WithLabelValues(t.backend.Name(), "matmul").Inc()
	matmulFlops.Add(2 * float64(ar) * float64(ac) * float64(bc))
	return t.backend.wrap(ar, bc, t.dtype, out), nil
}

func (t *CPUTensor) Add(other Tensor) (Tensor, error) {
	o, ok := other.(*CPUTensor)
	if !ok {
		return nil, fmt.Errorf("%w: mixed backend add", ErrTensorOp)
	}
	if t.dtype != o.dtype {
		return nil, fmt.Errorf("%w: add %s to %s", ErrTensorOp, o.dtype, t.dtype)
	}

	tr, tc := t.Dims()
	or, oc := o.Dims()
	if tr != or || tc != oc {
		return nil, fmt.Errorf("%w: add dimension mismatch, %dx%d and %dx%d", ErrTensorOp, tr, tc, or, oc)
	}

	out := make([]float32, tr*tc)
	switch {
	case t.contiguous() && o.contiguous():
		simd.VecAddTo(out, t.data[:tr*tc], o.data[:or*oc])
	case t.contiguous() && o.stride == 0 && !o.trans:
		bias := o.data[:oc]
		for i := 0; i < tr; i++ {
			simd.VecAddTo(out[i*tc:(i+1)*tc], t.data[i*tc:(i+1)*tc], bias)
		}
	default:
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				out[i*tc+j] = t.At(i, j) + o.At(i, j)
			}
		}
	}

	tensorOps.WithLabelValues(t.backend.Name(), "add").Inc()
	return t.backend.wrap(tr, tc, t.dtype, out), nil
}

func (t *CPUTensor) Broadcast(r, c int) (Tensor, error) {
	tr, tc := t.Dims()
	if tr != 1 || tc != c || r <= 0 {
		return nil, fmt.Errorf("%w: cannot broadcast %dx%d to %dx%d", ErrTensorOp, tr, tc, r, c)
	}
	tensorOps.WithLabelValues(t.backend.Name(), "broadcast").Inc()
	return &CPUTensor{
		backend: t.backend,
		data:    t.Row(0),
		rows:    r,
		cols:    c,
		stride:  0,
		dtype:   t.dtype,
	}, nil
}

func (t *CPUTensor) Gather(indices []int) (Tensor, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: gather with no indices", ErrTensorOp)
	}
	r, c := t.Dims()
	out := make([]float32, len(indices)*c)
	for i, idx := range indices {
		if idx < 0 || idx >= r {
			return nil, fmt.Errorf("%w: gather index %d out of bounds for %d rows", ErrTensorOp, idx, r)
		}
		if t.trans {
			for j := 0; j < c; j++ {
				out[i*c+j] = t.At(idx, j)
			}
			continue
		}
		copy(out[i*c:(i+1)*c], t.data[idx*t.stride:idx*t.stride+c])
	}
	tensorOps.WithLabelValues(t.backend.Name(), "gather").Inc()
	// values are already representable at t.dtype
	tensorAllocBytes.WithLabelValues(t.backend.Name()).Add(float64(4 * len(out)))
	return &CPUTensor{backend: t.backend, data: out, rows: len(indices), cols: c, stride: c, dtype: t.dtype}, nil
}

func (t *CPUTensor) Slice(start, end int) (Tensor, error) {
	r, _ := t.Dims()
	if start < 0 || end > r || start >= end {
		return nil, fmt.Errorf("%w: slice rows [%d, %d) of %d", ErrTensorOp, start, end, r)
	}
	idx := make([]int, end-start)
	for i := range idx {
		idx[i] = start + i
	}
	return t.Gather(idx)
}

package weights

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/NatanFreeman/bart-rs/internal/cache"
	"github.com/NatanFreeman/bart-rs/internal/config"
	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/gguf"
)

var tracer = otel.Tracer("bart-weights")

// Store is a read-only view of a weight container. It is safe for
// concurrent use.
type Store struct {
	file  *gguf.File
	cache cache.TensorCache
}

type Option func(*Store)

// WithCache memoizes dequantized tensors in c.
func WithCache(c cache.TensorCache) Option {
	return func(s *Store) { s.cache = c }
}

// Open parses the container directory at path. No payload is read.
func Open(path string, opts ...Option) (*Store, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	return NewStore(f, opts...), nil
}

func NewStore(f *gguf.File, opts ...Option) *Store {
	s := &Store{file: f}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// File exposes the parsed container, metadata included.
func (s *Store) File() *gguf.File { return s.file }

func (s *Store) Close() error { return s.file.Close() }

// Names lists the container's tensor names in directory order.
func (s *Store) Names() []string {
	names := make([]string, len(s.file.Tensors))
	for i, t := range s.file.Tensors {
		names[i] = t.Name
	}
	return names
}

// FetchTensor reads the packed payload stored under name and binds it to b.
func (s *Store) FetchTensor(ctx context.Context, name TensorName, b device.Backend) (*QuantizedTensor, error) {
	key := name.String()
	_, span := tracer.Start(ctx, "FetchTensor")
	defer span.End()
	span.SetAttributes(attribute.String("tensor", key))

	info, ok := s.file.Lookup(key)
	if !ok {
		err := &MissingTensorError{Name: key}
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing tensor")
		return nil, err
	}

	start := time.Now()
	raw, err := s.file.ReadTensor(info)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, err
	}
	fetchDuration.Observe(time.Since(start).Seconds())
	fetchedBytes.Add(float64(len(raw)))

	q := &QuantizedTensor{
		name:    key,
		typ:     info.Type,
		shape:   info.Shape(),
		raw:     raw,
		backend: b,
		cache:   s.cache,
	}
	span.SetAttributes(attribute.String("ggml_type", info.Type.String()), attribute.IntSlice("shape", q.shape))
	log.Debug().Str("tensor", key).Str("type", info.Type.String()).Ints("shape", q.shape).Msg("tensor fetched")
	return q, nil
}

// FetchChecked fetches name and rejects it unless its stored shape matches
// the architecture in d.
func (s *Store) FetchChecked(ctx context.Context, name TensorName, b device.Backend, d config.Dims) (*QuantizedTensor, error) {
	q, err := s.FetchTensor(ctx, name, b)
	if err != nil {
		return nil, err
	}
	if err := ValidateShape(name, d, q.shape); err != nil {
		return nil, err
	}
	return q, nil
}

// Verify checks every tensor the encoder can request against d without
// reading payloads. It returns one error per missing or misshapen tensor.
func (s *Store) Verify(d config.Dims) []error {
	var problems []error
	for _, name := range AllNames(d) {
		info, ok := s.file.Lookup(name.String())
		if !ok {
			problems = append(problems, &MissingTensorError{Name: name.String()})
			continue
		}
		if err := ValidateShape(name, d, info.Shape()); err != nil {
			problems = append(problems, err)
		}
	}
	return problems
}

// QuantizedTensor is a packed tensor payload bound to a backend.
type QuantizedTensor struct {
	name    string
	typ     gguf.GGMLType
	shape   []int
	raw     []byte
	backend device.Backend
	cache   cache.TensorCache
}

func (q *QuantizedTensor) Name() string        { return q.name }
func (q *QuantizedTensor) Type() gguf.GGMLType { return q.typ }
func (q *QuantizedTensor) Shape() []int        { return slices.Clone(q.shape) }

func (q *QuantizedTensor) Elements() int {
	n := 1
	for _, d := range q.shape {
		n *= d
	}
	return n
}

// Dequantize decodes the payload into a new tensor at dtype. A vector of
// length n becomes a 1 x n row. The packed bytes are never modified, so
// repeated calls yield equal tensors.
func (q *QuantizedTensor) Dequantize(dtype device.DataType) (device.Tensor, error) {
	if q.cache == nil {
		return q.dequantize(dtype)
	}
	key := fmt.Sprintf("%s|%s|%s", q.name, q.backend.Name(), dtype)
	return q.cache.GetOrLoad(key, func() (device.Tensor, error) {
		return q.dequantize(dtype)
	})
}

func (q *QuantizedTensor) dequantize(dtype device.DataType) (device.Tensor, error) {
	var rows, cols int
	switch len(q.shape) {
	case 1:
		rows, cols = 1, q.shape[0]
	case 2:
		rows, cols = q.shape[0], q.shape[1]
	default:
		return nil, fmt.Errorf("%w: tensor %q has rank %d, want 1 or 2", device.ErrTensorOp, q.name, len(q.shape))
	}

	start := time.Now()
	values, err := gguf.Dequantize(q.typ, q.raw, q.Elements())
	if err != nil {
		return nil, fmt.Errorf("dequantize %q: %w", q.name, err)
	}
	dequantDuration.WithLabelValues(q.typ.String()).Observe(time.Since(start).Seconds())

	t, err := q.backend.NewTensor(rows, cols, dtype, values)
	if err != nil {
		return nil, fmt.Errorf("dequantize %q: %w", q.name, err)
	}
	return t, nil
}

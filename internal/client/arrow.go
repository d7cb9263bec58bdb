// Package client exports encoder activations as Arrow record batches, to an
// IPC stream on disk or to a Flight server.
package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/NatanFreeman/bart-rs/internal/encoder/model"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
)

// ErrNoLayers is returned when there is nothing to export.
var ErrNoLayers = errors.New("no encoded layers")

var projections = []weights.Projection{weights.Query, weights.Key, weights.Value}

// Schema is the export layout for projections hidden values wide. Each row
// is one position of one projection of one layer.
func Schema(hidden int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
			{Name: "projection", Type: arrow.BinaryTypes.String},
			{Name: "position", Type: arrow.PrimitiveTypes.Int32},
			{Name: "values", Type: arrow.FixedSizeListOf(int32(hidden), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)
}

// RecordBatchBuilder creates Arrow RecordBatches from encoded layers.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch flattens layers into rows. Only the first positions rows
// of each projection are exported; zero exports all of them.
func (b *RecordBatchBuilder) BuildRecordBatch(layers []model.Encoded, positions int) (arrow.RecordBatch, error) {
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}
	rows, hidden := layers[0].Q.Dims()
	if positions <= 0 || positions > rows {
		positions = rows
	}

	layerB := array.NewInt32Builder(b.mem)
	defer layerB.Release()
	projB := array.NewStringBuilder(b.mem)
	defer projB.Release()
	posB := array.NewInt32Builder(b.mem)
	defer posB.Release()
	listB := array.NewFixedSizeListBuilder(b.mem, int32(hidden), arrow.PrimitiveTypes.Float32)
	defer listB.Release()
	valueB := listB.ValueBuilder().(*array.Float32Builder)

	n := 0
	for _, enc := range layers {
		for _, p := range projections {
			t := enc.Projection(p)
			r, c := t.Dims()
			if r != rows || c != hidden {
				return nil, fmt.Errorf("layer %d %s is %dx%d, want %dx%d", enc.Layer, p, r, c, rows, hidden)
			}
			for i := 0; i < positions; i++ {
				layerB.Append(int32(enc.Layer))
				projB.Append(p.String())
				posB.Append(int32(i))
				listB.Append(true)
				valueB.AppendValues(t.Row(i), nil)
				n++
			}
		}
	}

	cols := []arrow.Array{layerB.NewArray(), projB.NewArray(), posB.NewArray(), listB.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(Schema(hidden), cols, int64(n)), nil
}

// Package encoder runs text through the BART encoder input pipeline and the
// self-attention projections of the configured layers.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/NatanFreeman/bart-rs/internal/cache"
	"github.com/NatanFreeman/bart-rs/internal/config"
	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/encoder/input"
	"github.com/NatanFreeman/bart-rs/internal/encoder/model"
	"github.com/NatanFreeman/bart-rs/internal/encoder/tokenizer"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
	"github.com/NatanFreeman/bart-rs/internal/simd"
)

var tracer = otel.Tracer("bart-encoder")

// ErrDegenerateEmbedding means a token embedding row is entirely zero,
// which points at a corrupt or misread table.
var ErrDegenerateEmbedding = errors.New("degenerate embedding")

type DegenerateRowError struct {
	Row int
}

func (e *DegenerateRowError) Error() string {
	return fmt.Sprintf("token embedding row %d is all zeros", e.Row)
}

func (e *DegenerateRowError) Unwrap() error { return ErrDegenerateEmbedding }

// Encoder owns the vocabulary, the weight store and the dequantized
// embedding tables for one model. It is safe for concurrent use.
type Encoder struct {
	cfg       config.Config
	backend   device.Backend
	store     *weights.Store
	tokenizer *tokenizer.Tokenizer

	tokens    device.Tensor // [vocab, hidden]
	positions device.Tensor // [max_positions, hidden]
}

// Result is the output of one Encode call.
type Result struct {
	Text   string
	Frame  input.Framed
	Layers []model.Encoded // in the order of cfg.SelectedLayers
}

// New opens everything cfg names and loads both embedding tables.
func New(ctx context.Context, cfg config.Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	backend, err := device.Open(cfg.Device)
	if err != nil {
		return nil, err
	}

	var opts []weights.Option
	if cfg.CacheTensors {
		opts = append(opts, weights.WithCache(cache.NewMapCache()))
	}
	store, err := weights.Open(cfg.ModelPath, opts...)
	if err != nil {
		return nil, err
	}

	e, err := newEncoder(ctx, cfg, backend, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return e, nil
}

func newEncoder(ctx context.Context, cfg config.Config, backend device.Backend, store *weights.Store) (*Encoder, error) {
	ctx, span := tracer.Start(ctx, "encoder.New")
	defer span.End()

	var vocab *tokenizer.Vocabulary
	var err error
	source := cfg.VocabPath
	if source != "" {
		vocab, err = tokenizer.Load(source)
	} else {
		source = cfg.ModelPath
		vocab, err = tokenizer.FromGGUF(store.File())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vocabulary: %w", err)
	}
	log.Info().Str("source", source).Int("tokens", vocab.Len()).Msg("vocabulary loaded")
	if vocab.Len() != cfg.Dims.VocabSize {
		log.Warn().Int("tokens", vocab.Len()).Int("vocab_size", cfg.Dims.VocabSize).Msg("vocabulary size differs from the embedding table")
	}

	e := &Encoder{
		cfg:       cfg,
		backend:   backend,
		store:     store,
		tokenizer: tokenizer.New(vocab, tokenizer.WithNormalization(cfg.Normalize)),
	}
	if e.tokens, err = e.loadTable(ctx, weights.TokenEmbeddings()); err != nil {
		return nil, err
	}
	if e.positions, err = e.loadTable(ctx, weights.PositionEmbeddings()); err != nil {
		return nil, err
	}

	log.Info().
		Str("device", backend.Name()).
		Str("precision", cfg.Precision.String()).
		Int("hidden", cfg.Dims.Hidden).
		Int("max_seq_len", cfg.Dims.MaxSeqLen).
		Ints("layers", cfg.SelectedLayers()).
		Msg("encoder ready")
	return e, nil
}

// loadTable fetches an embedding table and keeps it at full precision, so
// positions are added before the projection precision is applied.
func (e *Encoder) loadTable(ctx context.Context, name weights.TensorName) (device.Tensor, error) {
	q, err := e.store.FetchChecked(ctx, name, e.backend, e.cfg.Dims)
	if err != nil {
		return nil, err
	}
	t, err := q.Dequantize(device.Float32)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("tensor", name.String()).Ints("shape", q.Shape()).Msg("shape validated")
	return t, nil
}

func (e *Encoder) Close() error {
	return e.store.Close()
}

func (e *Encoder) Config() config.Config             { return e.cfg }
func (e *Encoder) Backend() device.Backend           { return e.backend }
func (e *Encoder) Store() *weights.Store             { return e.store }
func (e *Encoder) Vocabulary() *tokenizer.Vocabulary { return e.tokenizer.Vocabulary() }

// Tokenize runs only the first pipeline stage.
func (e *Encoder) Tokenize(text string) input.Tokenized {
	start := time.Now()
	tokenized := input.NewRaw(text).Tokenize(e.tokenizer)
	tokenizationDuration.Observe(time.Since(start).Seconds())
	tokensProcessed.Add(float64(tokenized.Len()))
	return tokenized
}

// Prepare stages text up to the positioned embeddings every layer reads.
func (e *Encoder) Prepare(text string) (input.Positioned, error) {
	framed, err := e.Tokenize(text).Frame(e.cfg.Dims.MaxSeqLen)
	if err != nil {
		return input.Positioned{}, err
	}
	embedded, err := framed.Embed(e.tokens)
	if err != nil {
		return input.Positioned{}, err
	}
	return embedded.AddPositions(e.positions, e.cfg.PositionOffset)
}

// Encode computes Q, K and V for every selected layer. Layers run in
// parallel, at most cfg.Workers at a time. Any failure cancels the
// remaining layers and no partial result is returned.
func (e *Encoder) Encode(ctx context.Context, text string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Encode")
	defer span.End()

	res, err := e.encode(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		encodeCount.WithLabelValues("error").Inc()
		return nil, err
	}
	encodeCount.WithLabelValues("ok").Inc()
	return res, nil
}

func (e *Encoder) encode(ctx context.Context, text string) (*Result, error) {
	start := time.Now()
	positioned, err := e.Prepare(text)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("tokens", positioned.Frame().Used()-2))

	layers := e.cfg.SelectedLayers()
	out := make([]model.Encoded, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, layer := range layers {
		g.Go(func() error {
			enc, err := e.encodeLayer(gctx, layer, positioned)
			if err != nil {
				return err
			}
			out[i] = enc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.backend.Synchronize()

	log.Debug().
		Int("layers", len(layers)).
		Int("used", positioned.Frame().Used()).
		Dur("duration", time.Since(start)).
		Msg("encode complete")
	return &Result{Text: text, Frame: positioned.Frame(), Layers: out}, nil
}

func (e *Encoder) encodeLayer(ctx context.Context, layer int, in input.Positioned) (model.Encoded, error) {
	ctx, span := tracer.Start(ctx, "EncodeLayer", trace.WithAttributes(attribute.Int("layer", layer)))
	defer span.End()

	start := time.Now()
	head, err := model.NewAttnHead(ctx, layer, e.store, e.backend, e.cfg.Dims)
	if err != nil {
		span.RecordError(err)
		return model.Encoded{}, err
	}
	enc, err := head.Encode(ctx, in, e.cfg.Precision)
	if err != nil {
		span.RecordError(err)
		return model.Encoded{}, err
	}
	layerDuration.WithLabelValues(strconv.Itoa(layer), e.backend.Name()).Observe(time.Since(start).Seconds())
	return enc, nil
}

// CheckEmbeddings scans the token embedding table for an all-zero row.
func (e *Encoder) CheckEmbeddings() error {
	rows, _ := e.tokens.Dims()
	for i := 0; i < rows; i++ {
		if simd.AllZero(e.tokens.Row(i)) {
			return &DegenerateRowError{Row: i}
		}
	}
	log.Debug().Int("rows", rows).Msg("token embeddings non-degenerate")
	return nil
}

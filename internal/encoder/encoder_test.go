package encoder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NatanFreeman/bart-rs/internal/config"
	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/encoder/input"
	"github.com/NatanFreeman/bart-rs/internal/encoder/synth"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
	"github.com/NatanFreeman/bart-rs/internal/gguf"
)

var testDims = config.Dims{VocabSize: 64, Hidden: 8, MaxPositions: 20, MaxSeqLen: 16, Layers: 12}

func writeModel(t *testing.T, opts synth.Options) string {
	t.Helper()
	opts.Dims = testDims
	path := filepath.Join(t.TempDir(), "bart.gguf")
	require.NoError(t, synth.WriteFile(path, opts))
	return path
}

func testConfig(path string) config.Config {
	cfg := config.Default()
	cfg.ModelPath = path
	cfg.Dims = testDims
	cfg.Workers = 3
	return cfg
}

func openEncoder(t *testing.T, cfg config.Config) *Encoder {
	t.Helper()
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEncodeAllLayers(t *testing.T) {
	e := openEncoder(t, testConfig(writeModel(t, synth.Options{Seed: 1})))

	res, err := e.Encode(context.Background(), "a big cat")
	require.NoError(t, err)
	assert.Equal(t, testDims.MaxSeqLen, res.Frame.Len())
	require.Len(t, res.Layers, 12)

	for i, enc := range res.Layers {
		assert.Equal(t, i, enc.Layer)
		for _, out := range []device.Tensor{enc.Q, enc.K, enc.V} {
			r, c := out.Dims()
			assert.Equal(t, testDims.MaxSeqLen, r)
			assert.Equal(t, testDims.Hidden, c)
			assert.Equal(t, device.Float16, out.DataType())
		}
	}
}

func TestEncodeSelectedLayers(t *testing.T) {
	cfg := testConfig(writeModel(t, synth.Options{Seed: 2}))
	cfg.Layers = []int{7, 3}
	e := openEncoder(t, cfg)

	res, err := e.Encode(context.Background(), "a b")
	require.NoError(t, err)
	require.Len(t, res.Layers, 2)
	assert.Equal(t, 7, res.Layers[0].Layer)
	assert.Equal(t, 3, res.Layers[1].Layer)
}

func TestEncodeIndependentOfWorkers(t *testing.T) {
	path := writeModel(t, synth.Options{Seed: 3, WeightType: gguf.GGMLTypeQ8_0})

	var outputs [][]float32
	for _, workers := range []int{1, 4, 12} {
		cfg := testConfig(path)
		cfg.Workers = workers
		cfg.CacheTensors = workers > 1
		e := openEncoder(t, cfg)

		res, err := e.Encode(context.Background(), "a b c d")
		require.NoError(t, err)
		var flat []float32
		for _, enc := range res.Layers {
			flat = append(flat, enc.Q.ToHost()...)
			flat = append(flat, enc.K.ToHost()...)
			flat = append(flat, enc.V.ToHost()...)
		}
		outputs = append(outputs, flat)
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[0], outputs[2])
}

func TestEncodeTooLong(t *testing.T) {
	e := openEncoder(t, testConfig(writeModel(t, synth.Options{})))

	_, err := e.Encode(context.Background(), GenerateLorem(30, 1))
	require.ErrorIs(t, err, input.ErrSequenceTooLong)
}

func TestEncodeMissingLayerTensor(t *testing.T) {
	missing := weights.SelfAttn(5, weights.Value, weights.Weight)
	e := openEncoder(t, testConfig(writeModel(t, synth.Options{Omit: []string{missing.String()}})))

	_, err := e.Encode(context.Background(), "a")
	require.ErrorIs(t, err, weights.ErrTensorNotFound)

	e.cfg.Layers = []int{0, 4, 6}
	_, err = e.Encode(context.Background(), "a")
	assert.NoError(t, err)
}

func TestEncodeCancelled(t *testing.T) {
	e := openEncoder(t, testConfig(writeModel(t, synth.Options{})))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Encode(ctx, "a")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewErrors(t *testing.T) {
	t.Run("InvalidConfig", func(t *testing.T) {
		_, err := New(context.Background(), config.Default())
		require.Error(t, err)
	})

	t.Run("MissingModel", func(t *testing.T) {
		_, err := New(context.Background(), testConfig(filepath.Join(t.TempDir(), "nope.gguf")))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("MissingEmbeddings", func(t *testing.T) {
		path := writeModel(t, synth.Options{Omit: []string{weights.PositionEmbeddings().String()}})
		_, err := New(context.Background(), testConfig(path))
		require.ErrorIs(t, err, weights.ErrTensorNotFound)
	})

	t.Run("WrongArchitecture", func(t *testing.T) {
		cfg := testConfig(writeModel(t, synth.Options{}))
		cfg.Dims.Hidden = 16
		_, err := New(context.Background(), cfg)
		require.ErrorIs(t, err, weights.ErrShapeMismatch)
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		cfg := testConfig(writeModel(t, synth.Options{}))
		cfg.Device = "tpu"
		_, err := New(context.Background(), cfg)
		require.ErrorIs(t, err, device.ErrDeviceUnavailable)
	})
}

func TestVocabularyFile(t *testing.T) {
	pieces := make(map[string]int)
	for i, p := range synth.Pieces(testDims.VocabSize) {
		pieces[p] = i
	}
	data, err := json.Marshal(pieces)
	require.NoError(t, err)
	vocabPath := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, os.WriteFile(vocabPath, data, 0o644))

	cfg := testConfig(writeModel(t, synth.Options{}))
	cfg.VocabPath = vocabPath
	e := openEncoder(t, cfg)
	assert.Equal(t, testDims.VocabSize, e.Vocabulary().Len())

	fromFile := e.Tokenize("a big cat")
	cfg.VocabPath = ""
	fromGGUF := openEncoder(t, cfg).Tokenize("a big cat")
	assert.Equal(t, fromGGUF.Tokens(), fromFile.Tokens())
}

func TestCheckEmbeddings(t *testing.T) {
	e := openEncoder(t, testConfig(writeModel(t, synth.Options{Seed: 4})))
	require.NoError(t, e.CheckEmbeddings())

	zeroRow := func(name weights.TensorName, row, col int) float32 {
		if name.Kind == weights.KindTokenEmbeddings && row == 7 {
			return 0
		}
		return float32(row+col+1) * 0.01
	}
	e = openEncoder(t, testConfig(writeModel(t, synth.Options{Fill: zeroRow})))
	err := e.CheckEmbeddings()
	require.ErrorIs(t, err, ErrDegenerateEmbedding)
	var degenerate *DegenerateRowError
	require.ErrorAs(t, err, &degenerate)
	assert.Equal(t, 7, degenerate.Row)
}

func TestReport(t *testing.T) {
	cfg := testConfig(writeModel(t, synth.Options{Seed: 5}))
	cfg.Layers = []int{0, 1}
	e := openEncoder(t, cfg)
	res, err := e.Encode(context.Background(), "a b")
	require.NoError(t, err)

	report := e.NewReport(res, 4)
	require.Len(t, report.Layers, 2)
	assert.Equal(t, "f16", report.Precision)
	assert.Equal(t, 4, report.Used)
	assert.Zero(t, report.NonFinite())
	for _, l := range report.Layers {
		assert.Len(t, l.Q.Sample, 4)
		assert.Equal(t, res.Layers[l.Layer].Q.Row(0)[:4], l.Q.Sample)
		assert.Greater(t, l.V.MaxAbs, float32(0))
	}

	for _, name := range []string{"report.json", "report.cbor"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, report.Save(path))
			back, err := LoadReport(path)
			require.NoError(t, err)
			assert.Equal(t, report.Tokens, back.Tokens)
			assert.Equal(t, report.Layers, back.Layers)
			assert.Equal(t, report.Text, back.Text)
		})
	}

	_, err = LoadReport(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGenerateLorem(t *testing.T) {
	text := GenerateLorem(40, 9)
	assert.Equal(t, text, GenerateLorem(40, 9))
	assert.Len(t, strings.Fields(text), 40)
	assert.True(t, strings.HasSuffix(text, "."))
	assert.Equal(t, "", GenerateLorem(0, 9))
}

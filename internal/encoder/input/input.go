// Package input stages one text through the encoder's input pipeline:
// Raw, Tokenized, Framed, Embedded and finally Positioned. Each stage is a
// distinct type whose only way forward is a method returning the next stage,
// so a sequence cannot skip or repeat a step.
package input

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/NatanFreeman/bart-rs/internal/device"
	"github.com/NatanFreeman/bart-rs/internal/encoder/tokenizer"
)

// ErrSequenceTooLong means the tokens plus <s> and </s> exceed the frame.
var ErrSequenceTooLong = errors.New("sequence too long")

type SequenceTooLongError struct {
	Tokens int
	Max    int
}

func (e *SequenceTooLongError) Error() string {
	return fmt.Sprintf("%d tokens plus <s> and </s> exceed the %d token frame", e.Tokens, e.Max)
}

func (e *SequenceTooLongError) Unwrap() error { return ErrSequenceTooLong }

// Raw owns the original text.
type Raw struct {
	text string
}

func NewRaw(text string) Raw { return Raw{text: text} }

func (r Raw) Text() string { return r.text }

// Tokenize runs tk over the text.
func (r Raw) Tokenize(tk *tokenizer.Tokenizer) Tokenized {
	tokens := tk.Tokenize(r.text)
	log.Debug().Int("tokens", len(tokens)).Int("bytes", len(r.text)).Msg("tokenization complete")
	return Tokenized{tokens: tokens, vocab: tk.Vocabulary()}
}

// Tokenized holds the tokenizer output and the vocabulary it came from.
type Tokenized struct {
	tokens []tokenizer.Token
	vocab  *tokenizer.Vocabulary
}

func (t Tokenized) Tokens() []tokenizer.Token         { return slices.Clone(t.tokens) }
func (t Tokenized) Vocabulary() *tokenizer.Vocabulary { return t.vocab }
func (t Tokenized) Len() int                          { return len(t.tokens) }

// Frame lays the tokens out as <s>, tokens, </s>, then <pad> up to exactly
// maxLen entries. It never truncates.
func (t Tokenized) Frame(maxLen int) (Framed, error) {
	used := len(t.tokens) + 2
	if used > maxLen {
		return Framed{}, &SequenceTooLongError{Tokens: len(t.tokens), Max: maxLen}
	}

	frame := make([]tokenizer.Token, 0, maxLen)
	frame = append(frame, t.vocab.BOS())
	frame = append(frame, t.tokens...)
	frame = append(frame, t.vocab.EOS())
	for len(frame) < maxLen {
		frame = append(frame, t.vocab.Pad())
	}
	log.Debug().Int("used", used).Int("length", maxLen).Msg("framing complete")
	return Framed{tokens: frame, used: used}, nil
}

// Framed is a fixed-length token frame.
type Framed struct {
	tokens []tokenizer.Token
	used   int
}

func (f Framed) Tokens() []tokenizer.Token { return slices.Clone(f.tokens) }

// Len is the frame length, L_max.
func (f Framed) Len() int { return len(f.tokens) }

// Used counts the non-padding entries, <s> and </s> included.
func (f Framed) Used() int { return f.used }

// IDs returns the frame as raw token ids.
func (f Framed) IDs() []int { return tokenizer.IDs(f.tokens) }

// Embed looks every frame entry up in the token embedding table, a
// [vocab, hidden] tensor.
func (f Framed) Embed(table device.Tensor) (Embedded, error) {
	x, err := table.Gather(f.IDs())
	if err != nil {
		return Embedded{}, fmt.Errorf("embed tokens: %w", err)
	}
	return Embedded{x: x, frame: f}, nil
}

// Embedded holds one token embedding row per frame entry.
type Embedded struct {
	x     device.Tensor
	frame Framed
}

func (e Embedded) Embeddings() device.Tensor { return e.x }
func (e Embedded) Frame() Framed             { return e.frame }

// AddPositions adds row offset+i of the [max_positions, hidden] table to
// row i of the embeddings.
func (e Embedded) AddPositions(table device.Tensor, offset int) (Positioned, error) {
	n := e.frame.Len()
	rows, _ := table.Dims()
	if offset < 0 || offset+n > rows {
		return Positioned{}, fmt.Errorf("%w: positions [%d, %d) outside a %d row table",
			device.ErrTensorOp, offset, offset+n, rows)
	}
	pos, err := table.Slice(offset, offset+n)
	if err != nil {
		return Positioned{}, fmt.Errorf("add positions: %w", err)
	}
	x, err := e.x.Add(pos)
	if err != nil {
		return Positioned{}, fmt.Errorf("add positions: %w", err)
	}
	return Positioned{x: x, frame: e.frame}, nil
}

// Positioned is the encoder input: token plus position embeddings,
// [L_max, hidden].
type Positioned struct {
	x     device.Tensor
	frame Framed
}

func (p Positioned) Embeddings() device.Tensor { return p.x }
func (p Positioned) Frame() Framed             { return p.frame }

package tokenizer

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Tokenizer splits text into the longest matching vocabulary pieces.
type Tokenizer struct {
	vocab     *Vocabulary
	normalize bool
}

type Option func(*Tokenizer)

// WithNormalization toggles NFC normalization of input text. Text is
// matched as given unless this is enabled.
func WithNormalization(on bool) Option {
	return func(t *Tokenizer) { t.normalize = on }
}

func New(vocab *Vocabulary, opts ...Option) *Tokenizer {
	t := &Tokenizer{vocab: vocab}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tokenizer) Vocabulary() *Vocabulary { return t.vocab }

func (t *Tokenizer) prepare(text string) string {
	if t.normalize {
		text = norm.NFC.String(text)
	}
	return strings.ReplaceAll(text, " ", WordBoundary)
}

// Tokenize runs greedy longest-prefix matching from the start of text.
// Among pieces of equal length the lowest id wins. Where no piece matches,
// Unk is emitted and one rune is skipped.
func (t *Tokenizer) Tokenize(text string) []Token {
	rest := t.prepare(text)
	out := make([]Token, 0, len(rest)/3+1)
	for len(rest) > 0 {
		id, n := t.vocab.index.longest(rest)
		if id < 0 {
			out = append(out, t.vocab.unk)
			_, size := utf8.DecodeRuneInString(rest)
			rest = rest[size:]
			continue
		}
		out = append(out, Token{id: int32(id)})
		rest = rest[n:]
	}
	return out
}

// tokenizeLinear scans the whole vocabulary at every position. It is the
// reference the trie lookup must agree with.
func (t *Tokenizer) tokenizeLinear(text string) []Token {
	rest := t.prepare(text)
	var out []Token
	for len(rest) > 0 {
		best, bestLen := -1, 0
		for _, id := range t.vocab.sorted {
			piece := t.vocab.pieces[id]
			if len(piece) > bestLen && strings.HasPrefix(rest, piece) {
				best, bestLen = id, len(piece)
			}
		}
		if best < 0 {
			out = append(out, t.vocab.unk)
			_, size := utf8.DecodeRuneInString(rest)
			rest = rest[size:]
			continue
		}
		out = append(out, Token{id: int32(best)})
		rest = rest[bestLen:]
	}
	return out
}

// IDs flattens tokens to their integer ids.
func IDs(tokens []Token) []int {
	out := make([]int, len(tokens))
	for i, t := range tokens {
		out[i] = t.ID()
	}
	return out
}

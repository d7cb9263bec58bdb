// Package tokenizer implements the byte-level BPE vocabulary used by BART and
// a greedy longest-match tokenizer over it.
package tokenizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/NatanFreeman/bart-rs/internal/gguf"
)

// Special pieces every vocabulary must define.
const (
	BOS = "<s>"
	EOS = "</s>"
	Pad = "<pad>"
	Unk = "<unk>"

	// WordBoundary stands in for a space in vocabulary pieces.
	WordBoundary = "Ġ"
)

// KeyTokens is the GGUF metadata key holding the piece list.
const KeyTokens = "tokenizer.ggml.tokens"

var (
	ErrIO                  = errors.New("vocabulary unreadable")
	ErrFormat              = errors.New("malformed vocabulary")
	ErrMissingSpecialToken = errors.New("vocabulary lacks special token")
	ErrUnknownID           = errors.New("token id not in vocabulary")
)

// Token is an id known to exist in the Vocabulary that produced it.
type Token struct {
	id int32
}

func (t Token) ID() int { return int(t.id) }

// Vocabulary is an immutable bidirectional id/piece mapping.
type Vocabulary struct {
	pieces map[int]string
	ids    map[string]int // lowest id per piece
	sorted []int

	bos, eos, pad, unk Token
	index             *trie
}

// Load reads a vocabulary from path. A .json file is parsed as a
// piece-to-id object; anything else as one piece per line, where the id is
// the index among non-empty lines.
func Load(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer func() { _ = f.Close() }()

	var v *Vocabulary
	if strings.EqualFold(filepath.Ext(path), ".json") {
		v, err = ParseJSON(f)
	} else {
		v, err = ParseLines(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debug().Str("path", path).Int("tokens", v.Len()).Msg("vocabulary parsed")
	return v, nil
}

// ParseJSON reads a {"piece": id, ...} object.
func ParseJSON(r io.Reader) (*Vocabulary, error) {
	var m map[string]int
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	pieces := make(map[int]string, len(m))
	for piece, id := range m {
		if other, dup := pieces[id]; dup {
			a, b := min(other, piece), max(other, piece)
			return nil, fmt.Errorf("%w: pieces %q and %q share id %d", ErrFormat, a, b, id)
		}
		pieces[id] = piece
	}
	return NewVocabulary(pieces)
}

// ParseLines reads one piece per line. A piece's id is its zero-based line
// number, so blank lines are rejected.
func ParseLines(r io.Reader) (*Vocabulary, error) {
	pieces := make(map[int]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for index := 0; scanner.Scan(); index++ {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			return nil, fmt.Errorf("%w: line %d is empty", ErrFormat, index+1)
		}
		pieces[index] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return NewVocabulary(pieces)
}

// FromGGUF builds a vocabulary from the container's piece list.
func FromGGUF(f *gguf.File) (*Vocabulary, error) {
	list, ok := f.Strings(KeyTokens)
	if !ok {
		return nil, fmt.Errorf("%w: container has no %s array", ErrFormat, KeyTokens)
	}
	pieces := make(map[int]string, len(list))
	for i, p := range list {
		pieces[i] = p
	}
	return NewVocabulary(pieces)
}

// NewVocabulary validates pieces and builds the lookup index.
func NewVocabulary(pieces map[int]string) (*Vocabulary, error) {
	v := &Vocabulary{
		pieces: make(map[int]string, len(pieces)),
		ids:    make(map[string]int, len(pieces)),
		sorted: make([]int, 0, len(pieces)),
		index:  newTrie(),
	}
	for id, piece := range pieces {
		if id < 0 || id > 1<<31-1 {
			return nil, fmt.Errorf("%w: id %d out of range", ErrFormat, id)
		}
		v.pieces[id] = piece
		v.sorted = append(v.sorted, id)
	}
	sort.Ints(v.sorted)
	for _, id := range v.sorted {
		piece := v.pieces[id]
		if _, seen := v.ids[piece]; !seen {
			v.ids[piece] = id
		}
		v.index.insert(piece, id)
	}

	var missing []string
	for _, sp := range []struct {
		piece string
		dst   *Token
	}{{BOS, &v.bos}, {EOS, &v.eos}, {Pad, &v.pad}, {Unk, &v.unk}} {
		id, ok := v.ids[sp.piece]
		if !ok {
			missing = append(missing, sp.piece)
			continue
		}
		*sp.dst = Token{id: int32(id)}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingSpecialToken, strings.Join(missing, ", "))
	}
	return v, nil
}

// Len returns the number of distinct token ids.
func (v *Vocabulary) Len() int { return len(v.pieces) }

// Token validates id against the vocabulary.
func (v *Vocabulary) Token(id int) (Token, error) {
	if _, ok := v.pieces[id]; !ok {
		return Token{}, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	return Token{id: int32(id)}, nil
}

// Lookup returns the lowest-id token whose piece is exactly piece.
func (v *Vocabulary) Lookup(piece string) (Token, bool) {
	id, ok := v.ids[piece]
	return Token{id: int32(id)}, ok
}

// Piece returns the raw vocabulary string of t.
func (v *Vocabulary) Piece(t Token) string { return v.pieces[t.ID()] }

// Render returns the text t stands for, with the word boundary glyph turned
// back into a space.
func (v *Vocabulary) Render(t Token) string {
	return strings.ReplaceAll(v.Piece(t), WordBoundary, " ")
}

func (v *Vocabulary) BOS() Token { return v.bos }
func (v *Vocabulary) EOS() Token { return v.eos }
func (v *Vocabulary) Pad() Token { return v.pad }
func (v *Vocabulary) Unk() Token { return v.unk }

package tokenizer

// trie is a byte-wise prefix index over vocabulary pieces. Each terminal
// node keeps the lowest id inserted for its piece.
type trie struct {
	root node
}

type node struct {
	children map[byte]*node
	id       int // -1 when no piece ends here
}

func newTrie() *trie {
	return &trie{root: node{id: -1}}
}

func (t *trie) insert(piece string, id int) {
	if piece == "" {
		return
	}
	n := &t.root
	for i := 0; i < len(piece); i++ {
		if n.children == nil {
			n.children = make(map[byte]*node)
		}
		next, ok := n.children[piece[i]]
		if !ok {
			next = &node{id: -1}
			n.children[piece[i]] = next
		}
		n = next
	}
	if n.id < 0 || id < n.id {
		n.id = id
	}
}

// longest returns the id and byte length of the longest piece that
// prefixes s, or (-1, 0) when none does.
func (t *trie) longest(s string) (id, length int) {
	id = -1
	n := &t.root
	for i := 0; i < len(s); i++ {
		next, ok := n.children[s[i]]
		if !ok {
			break
		}
		n = next
		if n.id >= 0 {
			id, length = n.id, i+1
		}
	}
	return id, length
}

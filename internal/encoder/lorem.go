package encoder

import (
	"math/rand"
	"strings"
)

var loremWords = []string{
	"lorem", "ipsum", "dolor", "sit", "amet", "consectetur", "adipiscing", "elit",
	"sed", "do", "eiusmod", "tempor", "incididunt", "ut", "labore", "et", "dolore",
	"magna", "aliqua", "enim", "ad", "minim", "veniam", "quis", "nostrud",
	"exercitation", "ullamco", "laboris", "nisi", "aliquip", "ex", "ea",
	"commodo", "consequat", "duis", "aute", "irure", "in", "reprehenderit",
	"voluptate", "velit", "esse", "cillum", "eu", "fugiat", "nulla",
	"pariatur", "excepteur", "sint", "occaecat", "cupidatat", "non", "proident",
	"sunt", "culpa", "qui", "officia", "deserunt", "mollit", "anim", "id", "est", "laborum",
}

// GenerateLorem returns n lorem ipsum words grouped into sentences. The
// same seed always yields the same text.
func GenerateLorem(n int, seed int64) string {
	r := rand.New(rand.NewSource(seed))
	var sb strings.Builder
	sentence := 0
	for i := 0; i < n; i++ {
		w := loremWords[r.Intn(len(loremWords))]
		if sentence == 0 {
			w = strings.ToUpper(w[:1]) + w[1:]
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(w)
		sentence++
		if sentence >= 5+r.Intn(10) || i == n-1 {
			sb.WriteByte('.')
			sentence = 0
		}
	}
	return sb.String()
}

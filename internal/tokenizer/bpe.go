// Package tokenizer implements the GPT-2 byte-level BPE tokenizer.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/emirpasic/gods/trees/binaryheap"
)

// gpt2Pattern is the GPT-2 pre-tokenizer split expression.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// EndOfText is the GPT-2 document separator and end-of-sequence marker.
const EndOfText = "<|endoftext|>"

// Tokenizer encodes text to GPT-2 token ids and back.
type Tokenizer struct {
	vocab   map[string]int
	tokens  []string
	ranks   map[string]int
	special map[string]int
	pattern *regexp2.Regexp
}

// New builds a tokenizer from a vocabulary and an ordered merge list, each
// merge being "left right".
func New(vocab map[string]int, merges []string) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}
	t := &Tokenizer{
		vocab:   vocab,
		ranks:   make(map[string]int, len(merges)),
		special: make(map[string]int),
		pattern: regexp2.MustCompile(gpt2Pattern, regexp2.RE2),
	}

	maxID := 0
	for _, id := range vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer: negative token id %d", id)
		}
		maxID = max(maxID, id)
	}
	t.tokens = make([]string, maxID+1)
	for tok, id := range vocab {
		t.tokens[id] = tok
	}

	for rank, m := range merges {
		left, right, ok := strings.Cut(m, " ")
		if !ok {
			return nil, fmt.Errorf("tokenizer: malformed merge %q at rank %d", m, rank)
		}
		key := left + " " + right
		if _, dup := t.ranks[key]; !dup {
			t.ranks[key] = rank
		}
	}

	if id, ok := vocab[EndOfText]; ok {
		t.special[EndOfText] = id
	}
	return t, nil
}

// VocabSize is one past the largest token id.
func (t *Tokenizer) VocabSize() int {
	return len(t.tokens)
}

// EOS returns the end-of-text token id, or -1 when the vocabulary has none.
func (t *Tokenizer) EOS() int {
	if id, ok := t.special[EndOfText]; ok {
		return id
	}
	return -1
}

// IsSpecial reports whether id is a special token.
func (t *Tokenizer) IsSpecial(id int) bool {
	for _, sid := range t.special {
		if sid == id {
			return true
		}
	}
	return false
}

// Encode tokenizes text. Literal special-token text is mapped to its id.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for text != "" {
		pos, tok, id := t.nextSpecial(text)
		if pos < 0 {
			return t.encodeOrdinary(ids, text)
		}
		var err error
		if ids, err = t.encodeOrdinary(ids, text[:pos]); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		text = text[pos+len(tok):]
	}
	return ids, nil
}

func (t *Tokenizer) nextSpecial(text string) (int, string, int) {
	best, bestTok, bestID := -1, "", 0
	for tok, id := range t.special {
		if i := strings.Index(text, tok); i >= 0 && (best < 0 || i < best) {
			best, bestTok, bestID = i, tok, id
		}
	}
	return best, bestTok, bestID
}

func (t *Tokenizer) encodeOrdinary(ids []int, text string) ([]int, error) {
	if text == "" {
		return ids, nil
	}
	runes := []rune(text)
	m, err := t.pattern.FindRunesMatch(runes)
	for ; m != nil; m, err = t.pattern.FindNextMatch(m) {
		piece := byteLevel(m.String())
		if id, ok := t.vocab[piece]; ok {
			ids = append(ids, id)
			continue
		}
		for _, sym := range t.merge(piece) {
			id, ok := t.vocab[sym]
			if !ok {
				return nil, fmt.Errorf("tokenizer: symbol %q missing from vocabulary", sym)
			}
			ids = append(ids, id)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("tokenizer: pre-tokenize: %w", err)
	}
	return ids, nil
}

type symbol struct {
	prev, next int
	text       string
}

type candidate struct {
	left, right int
	rank        int
	text        string
}

// merge applies ranked merges to a byte-level word until none apply.
func (t *Tokenizer) merge(word string) []string {
	runes := []rune(word)
	syms := make([]symbol, len(runes))
	for i, r := range runes {
		syms[i] = symbol{prev: i - 1, next: i + 1, text: string(r)}
	}

	heap := binaryheap.NewWith(func(a, b interface{}) int {
		ca, cb := a.(candidate), b.(candidate)
		if ca.rank != cb.rank {
			return ca.rank - cb.rank
		}
		return ca.left - cb.left
	})
	push := func(l, r int) {
		if l < 0 || r >= len(syms) {
			return
		}
		if rank, ok := t.ranks[syms[l].text+" "+syms[r].text]; ok {
			heap.Push(candidate{left: l, right: r, rank: rank, text: syms[l].text + syms[r].text})
		}
	}
	for i := 0; i+1 < len(syms); i++ {
		push(i, i+1)
	}

	for !heap.Empty() {
		v, _ := heap.Pop()
		c := v.(candidate)
		l, r := syms[c.left], syms[c.right]
		// stale entries point at symbols that already merged
		if l.text == "" || r.text == "" || l.next != c.right || l.text+r.text != c.text {
			continue
		}
		syms[c.left].text = c.text
		syms[c.left].next = r.next
		syms[c.right].text = ""
		if r.next < len(syms) {
			syms[r.next].prev = c.left
		}
		push(syms[c.left].prev, c.left)
		push(c.left, syms[c.left].next)
	}

	out := make([]string, 0, len(syms))
	for _, s := range syms {
		if s.text != "" {
			out = append(out, s.text)
		}
	}
	return out
}

// Decode turns ids back into text. Special tokens are dropped when
// skipSpecial is set.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.tokens) || t.tokens[id] == "" {
			return "", fmt.Errorf("tokenizer: unknown token id %d", id)
		}
		if t.IsSpecial(id) {
			if !skipSpecial {
				sb.WriteString(t.tokens[id])
			}
			continue
		}
		for _, r := range t.tokens[id] {
			sb.WriteByte(unByteLevel(r))
		}
	}
	return strings.ToValidUTF8(sb.String(), "�"), nil
}

// byteLevel maps every byte of s to the printable rune GPT-2 uses for it.
func byteLevel(s string) string {
	var sb strings.Builder
	for _, b := range []byte(s) {
		r := rune(b)
		switch {
		case r == 0xad:
			r = 0x143
		case r <= 0x20:
			r += 0x100
		case r >= 0x7f && r <= 0xa0:
			r += 0xa2
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func unByteLevel(r rune) byte {
	switch {
	case r == 0x143:
		return 0xad
	case r >= 0x100 && r <= 0x120:
		return byte(r - 0x100)
	case r >= 0x121 && r <= 0x142:
		return byte(r - 0xa2)
	}
	return byte(r)
}

// ByteVocab is the 256-token byte alphabet, each byte mapped to its own value
// as id, followed by extra tokens numbered from 256.
func ByteVocab(extra ...string) map[string]int {
	vocab := make(map[string]int, 256+len(extra))
	for b := range 256 {
		vocab[byteLevel(string([]byte{byte(b)}))] = b
	}
	for i, tok := range extra {
		vocab[tok] = 256 + i
	}
	return vocab
}

package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	vocab := ByteVocab("he", "ll", "hell", "Ġw", EndOfText)
	tok, err := New(vocab, []string{"h e", "l l", "he ll", "Ġ w"})
	require.NoError(t, err)
	return tok
}

func TestByteLevelMapping(t *testing.T) {
	assert.Equal(t, "Ġ", byteLevel(" "))
	assert.Equal(t, "Ċ", byteLevel("\n"))
	assert.Equal(t, "abc", byteLevel("abc"))

	seen := make(map[rune]bool)
	for b := range 256 {
		r := []rune(byteLevel(string([]byte{byte(b)})))
		require.Len(t, r, 1)
		assert.False(t, seen[r[0]], "byte %d collides", b)
		seen[r[0]] = true
		assert.Equal(t, byte(b), unByteLevel(r[0]))
	}
}

func TestEncodeMerges(t *testing.T) {
	tok := newTestTokenizer(t)

	ids, err := tok.Encode("hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{258, 'o', 259, 'o', 'r', 'l', 'd'}, ids)

	text, err := tok.Decode(ids, true)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestEncodeSpecialTokens(t *testing.T) {
	tok := newTestTokenizer(t)
	assert.Equal(t, 260, tok.EOS())

	ids, err := tok.Encode("hi" + EndOfText + "he")
	require.NoError(t, err)
	assert.Equal(t, []int{'h', 'i', 260, 256}, ids)

	skipped, err := tok.Decode(ids, true)
	require.NoError(t, err)
	assert.Equal(t, "hihe", skipped)

	kept, err := tok.Decode(ids, false)
	require.NoError(t, err)
	assert.Equal(t, "hi"+EndOfText+"he", kept)
}

func TestRoundTripUnicode(t *testing.T) {
	tok := newTestTokenizer(t)
	for _, s := range []string{"café", "  spaces\n\tand tabs", "数字 123", "emoji 🙂!"} {
		ids, err := tok.Encode(s)
		require.NoError(t, err)
		got, err := tok.Decode(ids, true)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestDecodeUnknownID(t *testing.T) {
	tok := newTestTokenizer(t)
	_, err := tok.Decode([]int{9999}, true)
	assert.Error(t, err)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New(ByteVocab(), []string{"nospace"})
	assert.ErrorContains(t, err, "malformed merge")
}

func TestLoadVocabMerges(t *testing.T) {
	dir := t.TempDir()
	vocab, err := json.Marshal(ByteVocab("he", EndOfText))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), vocab, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MergesFile), []byte("#version: 0.2\nh e\n"), 0644))

	tok, err := Load(dir)
	require.NoError(t, err)
	ids, err := tok.Encode("he")
	require.NoError(t, err)
	assert.Equal(t, []int{256}, ids)
	assert.Equal(t, 257, tok.EOS())
}

func TestLoadTokenizerJSON(t *testing.T) {
	dir := t.TempDir()
	doc := map[string]any{
		"added_tokens": []map[string]any{{"id": 257, "content": EndOfText}},
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  ByteVocab("he"),
			"merges": []any{[]string{"h", "e"}},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, TokenizerFile), data, 0644))

	tok, err := Load(dir)
	require.NoError(t, err)
	ids, err := tok.Encode("hehe" + EndOfText)
	require.NoError(t, err)
	assert.Equal(t, []int{256, 256, 257}, ids)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), VocabFile))
}

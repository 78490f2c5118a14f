package tokenizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Files a tokenizer directory may hold.
const (
	VocabFile     = "vocab.json"
	MergesFile    = "merges.txt"
	TokenizerFile = "tokenizer.json"
)

// Load reads a tokenizer from dir, preferring vocab.json + merges.txt and
// falling back to a HuggingFace tokenizer.json.
func Load(dir string) (*Tokenizer, error) {
	vocabPath := filepath.Join(dir, VocabFile)
	mergesPath := filepath.Join(dir, MergesFile)
	if fileExists(vocabPath) && fileExists(mergesPath) {
		return loadVocabMerges(vocabPath, mergesPath)
	}
	if path := filepath.Join(dir, TokenizerFile); fileExists(path) {
		return loadTokenizerJSON(path)
	}
	return nil, fmt.Errorf("tokenizer: no %s+%s or %s in %s", VocabFile, MergesFile, TokenizerFile, dir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func loadVocabMerges(vocabPath, mergesPath string) (*Tokenizer, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, err
	}
	var vocab map[string]int
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("tokenizer: parse %s: %w", vocabPath, err)
	}

	f, err := os.Open(mergesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var merges []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		merges = append(merges, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: read %s: %w", mergesPath, err)
	}
	return New(vocab, merges)
}

type tokenizerJSON struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
	Model struct {
		Type   string            `json:"type"`
		Vocab  map[string]int    `json:"vocab"`
		Merges []json.RawMessage `json:"merges"`
	} `json:"model"`
}

func loadTokenizerJSON(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("tokenizer: parse %s: %w", path, err)
	}
	if tj.Model.Type != "" && tj.Model.Type != "BPE" {
		return nil, fmt.Errorf("tokenizer: unsupported model type %s", tj.Model.Type)
	}

	// merges are either "a b" strings or ["a", "b"] pairs depending on the writer
	merges := make([]string, 0, len(tj.Model.Merges))
	for _, raw := range tj.Model.Merges {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			merges = append(merges, s)
			continue
		}
		var pair []string
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			return nil, errors.New("tokenizer: malformed merge entry in " + path)
		}
		merges = append(merges, pair[0]+" "+pair[1])
	}

	vocab := tj.Model.Vocab
	if vocab == nil {
		vocab = make(map[string]int)
	}
	for _, at := range tj.AddedTokens {
		if _, ok := vocab[at.Content]; !ok {
			vocab[at.Content] = at.ID
		}
	}
	return New(vocab, merges)
}

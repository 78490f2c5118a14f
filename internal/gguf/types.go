// Package gguf reads and writes GPT-2 weights in the GGUF format used by
// llama.cpp. Only F32 and F16 tensors are supported.
package gguf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shepherd-project/evolver/internal/gpt2"
)

// GGUF file format constants
const (
	// MagicNumber is "GGUF" read as a little endian uint32
	MagicNumber = 0x46554747
	// Version is the format version written
	Version = 3
	// Alignment of the tensor data section and of each tensor in it
	Alignment = 32

	// Architecture is the general.architecture value of GPT-2 files
	Architecture = "gpt2"
)

// ValueType is the type tag of a metadata value.
type ValueType uint32

const (
	UINT8   ValueType = 0
	INT8    ValueType = 1
	UINT16  ValueType = 2
	INT16   ValueType = 3
	UINT32  ValueType = 4
	INT32   ValueType = 5
	FLOAT32 ValueType = 6
	BOOL    ValueType = 7
	STRING  ValueType = 8
	ARRAY   ValueType = 9
	UINT64  ValueType = 10
	INT64   ValueType = 11
	FLOAT64 ValueType = 12
)

// TensorType is the ggml element type of a tensor.
type TensorType uint32

const (
	TypeF32 TensorType = 0
	TypeF16 TensorType = 1
)

// File types recorded in general.file_type.
const (
	FileTypeAllF32    = 0
	FileTypeMostlyF16 = 1
)

var (
	ErrUnsupportedType = errors.New("unsupported tensor type")
	ErrArchitecture    = errors.New("not a gpt2 model")
)

// Metadata keys, relative to the architecture prefix.
const (
	keyContextLength   = "context_length"
	keyEmbeddingLength = "embedding_length"
	keyBlockCount      = "block_count"
	keyFeedForward     = "feed_forward_length"
	keyHeadCount       = "attention.head_count"
	keyLayerNormEps    = "attention.layer_norm_epsilon"
)

func archKey(key string) string {
	return Architecture + "." + key
}

// sharedNames maps llama.cpp tensor names to their state dict names.
var sharedNames = map[string]string{
	"token_embd.weight":    gpt2.TokenEmbedding,
	"position_embd.weight": gpt2.PositionEmbedding,
	"output_norm.weight":   gpt2.FinalNormWeight,
	"output_norm.bias":     gpt2.FinalNormBias,
	"output.weight":        gpt2.OutputProjection,
}

var blockNames = map[string]string{
	"attn_norm.weight":   gpt2.Norm1Weight,
	"attn_norm.bias":     gpt2.Norm1Bias,
	"attn_qkv.weight":    gpt2.AttnQKVWeight,
	"attn_qkv.bias":      gpt2.AttnQKVBias,
	"attn_output.weight": gpt2.AttnProjWeight,
	"attn_output.bias":   gpt2.AttnProjBias,
	"ffn_norm.weight":    gpt2.Norm2Weight,
	"ffn_norm.bias":      gpt2.Norm2Bias,
	"ffn_up.weight":      gpt2.MLPUpWeight,
	"ffn_up.bias":        gpt2.MLPUpBias,
	"ffn_down.weight":    gpt2.MLPDownWeight,
	"ffn_down.bias":      gpt2.MLPDownBias,
}

// transposed block weights are stored [out, in] by llama.cpp and [in, out]
// in the Conv1D layout.
var transposed = map[string]bool{
	gpt2.AttnQKVWeight:  true,
	gpt2.AttnProjWeight: true,
	gpt2.MLPUpWeight:    true,
	gpt2.MLPDownWeight:  true,
}

// stateDictName translates a GGUF tensor name. ok is false for tensors the
// model does not use.
func stateDictName(name string) (string, bool, error) {
	if hf, ok := sharedNames[name]; ok {
		return hf, true, nil
	}
	rest, ok := strings.CutPrefix(name, "blk.")
	if !ok {
		return "", false, nil
	}
	idx, param, ok := strings.Cut(rest, ".")
	if !ok {
		return "", false, nil
	}
	layer, err := strconv.Atoi(idx)
	if err != nil {
		return "", false, fmt.Errorf("bad block index in %s", name)
	}
	hf, ok := blockNames[param]
	if !ok {
		return "", false, nil
	}
	return gpt2.BlockTensorName(layer, hf), true, nil
}

// ggufName is the inverse of stateDictName.
func ggufName(stateName string) string {
	for g, hf := range sharedNames {
		if hf == stateName {
			return g
		}
	}
	rest, _ := strings.CutPrefix(stateName, "h.")
	idx, param, _ := strings.Cut(rest, ".")
	for g, hf := range blockNames {
		if hf == param {
			return "blk." + idx + "." + g
		}
	}
	return stateName
}

func isTransposed(stateName string) bool {
	rest, ok := strings.CutPrefix(stateName, "h.")
	if !ok {
		return false
	}
	_, param, _ := strings.Cut(rest, ".")
	return transposed[param]
}

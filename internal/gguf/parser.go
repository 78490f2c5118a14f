package gguf

import (
	"fmt"
	"os"
	"strconv"

	ggufparser "github.com/gpustack/gguf-parser-go"

	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/tensor"
)

// Parser reads GPT-2 weights out of a GGUF file with gguf-parser-go.
type Parser struct {
	path string
	file *ggufparser.GGUFFile
}

// NewParser parses the header and tensor index of path.
func NewParser(path string) (*Parser, error) {
	file, err := ggufparser.ParseGGUFFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GGUF file: %w", err)
	}
	return &Parser{path: path, file: file}, nil
}

// Load parses path and reads the whole model.
func Load(path string) (*gpt2.Model, error) {
	p, err := NewParser(path)
	if err != nil {
		return nil, err
	}
	return p.Model()
}

func (p *Parser) getKV(key string) (ggufparser.GGUFMetadataKV, bool) {
	kvs, found := p.file.Header.MetadataKV.Index([]string{key})
	if found > 0 {
		return kvs[key], true
	}
	return ggufparser.GGUFMetadataKV{}, false
}

func getIntValue(kv ggufparser.GGUFMetadataKV) int {
	switch kv.ValueType {
	case ggufparser.GGUFMetadataValueTypeUint32:
		return int(kv.ValueUint32())
	case ggufparser.GGUFMetadataValueTypeUint64:
		return int(kv.ValueUint64())
	case ggufparser.GGUFMetadataValueTypeInt32:
		return int(kv.ValueInt32())
	case ggufparser.GGUFMetadataValueTypeInt64:
		return int(kv.ValueInt64())
	default:
		return 0
	}
}

// Architecture is general.architecture, or "" when absent.
func (p *Parser) Architecture() string {
	if kv, ok := p.getKV("general.architecture"); ok {
		return kv.ValueString()
	}
	return ""
}

// HParams reads the gpt2.* metadata. The vocabulary size comes from the
// token embedding since GPT-2 files carry no explicit key for it.
func (p *Parser) HParams() (gpt2.HParams, error) {
	if arch := p.Architecture(); arch != Architecture {
		return gpt2.HParams{}, fmt.Errorf("%s: %w (architecture %q)", p.path, ErrArchitecture, arch)
	}

	var hp gpt2.HParams
	ints := []struct {
		key string
		dst *int
	}{
		{keyContextLength, &hp.Positions},
		{keyEmbeddingLength, &hp.Embedding},
		{keyBlockCount, &hp.Layers},
		{keyFeedForward, &hp.Inner},
		{keyHeadCount, &hp.Heads},
	}
	for _, field := range ints {
		if kv, ok := p.getKV(archKey(field.key)); ok {
			*field.dst = getIntValue(kv)
		}
	}
	if kv, ok := p.getKV(archKey(keyLayerNormEps)); ok && kv.ValueType == ggufparser.GGUFMetadataValueTypeFloat32 {
		hp.LayerNormEps = widen(kv.ValueFloat32())
	}
	if hp.LayerNormEps == 0 {
		hp.LayerNormEps = 1e-5
	}
	if hp.Inner == 0 {
		hp.Inner = 4 * hp.Embedding
	}

	for _, ti := range p.file.TensorInfos {
		if ti.Name == "token_embd.weight" && len(ti.Dimensions) == 2 {
			hp.VocabSize = int(ti.Dimensions[1])
		}
	}
	return hp, hp.Validate()
}

// widen returns the shortest float64 that prints like v, so 1e-5 stored as
// float32 reads back as 1e-5.
func widen(v float32) float64 {
	f, err := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
	if err != nil {
		return float64(v)
	}
	return f
}

// Model reads every tensor the model uses and assembles it.
func (p *Parser) Model() (*gpt2.Model, error) {
	hp, err := p.HParams()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tensors := make(map[string]*tensor.Tensor, len(p.file.TensorInfos))
	for _, ti := range p.file.TensorInfos {
		name, ok, err := stateDictName(ti.Name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.path, err)
		}
		if !ok {
			continue
		}
		t, err := p.readTensor(f, ti)
		if err != nil {
			return nil, fmt.Errorf("%s: tensor %s: %w", p.path, ti.Name, err)
		}
		if isTransposed(name) {
			if t, err = t.Transpose2D(); err != nil {
				return nil, fmt.Errorf("%s: tensor %s: %w", p.path, ti.Name, err)
			}
		}
		tensors[name] = t
	}
	return gpt2.FromTensors(hp, tensors)
}

func (p *Parser) readTensor(f *os.File, ti ggufparser.GGUFTensorInfo) (*tensor.Tensor, error) {
	shape := make([]int, len(ti.Dimensions))
	count := 1
	for i, d := range ti.Dimensions {
		shape[len(shape)-1-i] = int(d)
		count *= int(d)
	}

	var dtype string
	var width int
	switch ti.Type {
	case ggufparser.GGMLTypeF32:
		dtype, width = "F32", 4
	case ggufparser.GGMLTypeF16:
		dtype, width = "F16", 2
	default:
		return nil, fmt.Errorf("%w %v", ErrUnsupportedType, ti.Type)
	}

	buf := make([]byte, count*width)
	if _, err := f.ReadAt(buf, p.file.TensorDataStartOffset+int64(ti.Offset)); err != nil {
		return nil, err
	}
	values, err := tensor.Decode(dtype, buf, count)
	if err != nil {
		return nil, err
	}
	if len(shape) == 0 {
		shape = []int{1}
	}
	return tensor.FromData(values, shape...), nil
}

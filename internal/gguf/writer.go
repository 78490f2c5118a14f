package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/tensor"
)

// WriteOptions control how a model is stored.
type WriteOptions struct {
	Name string
	F16  bool
}

type tensorRecord struct {
	name   string
	dims   []uint64 // ggml order, fastest varying first
	typ    TensorType
	data   []byte
	offset uint64
}

// Write stores m as a GGUF v3 file, writing through a temp file that is
// renamed into place.
func Write(path string, m *gpt2.Model, opts WriteOptions) error {
	records, err := buildRecords(m, opts.F16)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	w := &writer{w: bw}
	w.header(m.HParams, opts, records)
	w.tensorData(records)
	err = w.err
	if err == nil {
		err = bw.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write gguf %s: %w", path, err)
	}
	return os.Rename(tempPath, path)
}

func buildRecords(m *gpt2.Model, f16 bool) ([]*tensorRecord, error) {
	tensors := m.Tensors()
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	var offset uint64
	records := make([]*tensorRecord, 0, len(names))
	for _, name := range names {
		t := tensors[name]
		if isTransposed(name) {
			var err error
			if t, err = t.Transpose2D(); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}

		rec := &tensorRecord{name: ggufName(name), typ: TypeF32}
		for i := len(t.Shape) - 1; i >= 0; i-- {
			rec.dims = append(rec.dims, uint64(t.Shape[i]))
		}
		// Norms and biases stay F32, as llama.cpp does.
		if f16 && len(t.Shape) == 2 {
			rec.typ = TypeF16
			rec.data = tensor.EncodeF16(t.Data)
		} else {
			rec.data, _ = binary.Append(nil, binary.LittleEndian, t.Data)
		}
		rec.offset = offset
		offset = align(offset + uint64(len(rec.data)))
		records = append(records, rec)
	}
	return records, nil
}

func align(n uint64) uint64 {
	return (n + Alignment - 1) / Alignment * Alignment
}

// writer keeps the first error so callers check once.
type writer struct {
	w   io.Writer
	n   uint64
	err error
}

func (w *writer) raw(p []byte) {
	if w.err != nil {
		return
	}
	var n int
	n, w.err = w.w.Write(p)
	w.n += uint64(n)
}

func (w *writer) u32(v uint32) {
	w.raw(binary.LittleEndian.AppendUint32(nil, v))
}

func (w *writer) u64(v uint64) {
	w.raw(binary.LittleEndian.AppendUint64(nil, v))
}

func (w *writer) str(s string) {
	w.u64(uint64(len(s)))
	w.raw([]byte(s))
}

func (w *writer) kvString(key, v string) {
	w.str(key)
	w.u32(uint32(STRING))
	w.str(v)
}

func (w *writer) kvUint32(key string, v uint32) {
	w.str(key)
	w.u32(uint32(UINT32))
	w.u32(v)
}

func (w *writer) kvFloat32(key string, v float32) {
	w.str(key)
	w.u32(uint32(FLOAT32))
	w.raw(binary.LittleEndian.AppendUint32(nil, math.Float32bits(v)))
}

func (w *writer) header(hp gpt2.HParams, opts WriteOptions, records []*tensorRecord) {
	fileType := uint32(FileTypeAllF32)
	if opts.F16 {
		fileType = FileTypeMostlyF16
	}
	name := opts.Name
	if name == "" {
		name = "gpt2"
	}

	kvs := []func(){
		func() { w.kvString("general.architecture", Architecture) },
		func() { w.kvString("general.name", name) },
		func() { w.kvUint32("general.alignment", Alignment) },
		func() { w.kvUint32("general.file_type", fileType) },
		func() { w.kvUint32(archKey(keyContextLength), uint32(hp.Positions)) },
		func() { w.kvUint32(archKey(keyEmbeddingLength), uint32(hp.Embedding)) },
		func() { w.kvUint32(archKey(keyBlockCount), uint32(hp.Layers)) },
		func() { w.kvUint32(archKey(keyFeedForward), uint32(hp.Inner)) },
		func() { w.kvUint32(archKey(keyHeadCount), uint32(hp.Heads)) },
		func() { w.kvFloat32(archKey(keyLayerNormEps), float32(hp.LayerNormEps)) },
	}

	w.u32(MagicNumber)
	w.u32(Version)
	w.u64(uint64(len(records)))
	w.u64(uint64(len(kvs)))
	for _, kv := range kvs {
		kv()
	}
	for _, rec := range records {
		w.str(rec.name)
		w.u32(uint32(len(rec.dims)))
		for _, d := range rec.dims {
			w.u64(d)
		}
		w.u32(uint32(rec.typ))
		w.u64(rec.offset)
	}
	w.pad()
}

func (w *writer) tensorData(records []*tensorRecord) {
	for _, rec := range records {
		w.raw(rec.data)
		w.pad()
	}
}

func (w *writer) pad() {
	if rem := w.n % Alignment; rem != 0 {
		w.raw(make([]byte, Alignment-rem))
	}
}

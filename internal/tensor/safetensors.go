package tensor

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// maxHeaderSize guards against reading garbage as a header length.
const maxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

type safetensorEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// File is the decoded content of a safetensors file.
type File struct {
	Tensors  map[string]*Tensor
	Metadata map[string]string
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ReadSafetensors loads every tensor of a safetensors file, converting F16
// and BF16 values to float32.
func ReadSafetensors(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header length of %s: %w", path, err)
	}
	if n <= 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("%s: invalid safetensors header length %d", path, n)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("parse header of %s: %w", path, err)
	}

	out := &File{Tensors: make(map[string]*Tensor, len(raw))}
	if meta, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(meta, &out.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata of %s: %w", path, err)
		}
		delete(raw, metadataKey)
	}

	dataStart := 8 + n
	for name, msg := range raw {
		var e safetensorEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		t, err := readEntry(f, dataStart, e)
		if err != nil {
			return nil, fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		out.Tensors[name] = t
	}
	return out, nil
}

func readEntry(r io.ReaderAt, dataStart int64, e safetensorEntry) (*Tensor, error) {
	size := e.Offsets[1] - e.Offsets[0]
	if size < 0 {
		return nil, fmt.Errorf("negative data span %v", e.Offsets)
	}
	count := numel(e.Shape)

	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, dataStart+e.Offsets[0]); err != nil {
		return nil, err
	}

	values, err := Decode(e.DType, buf, count)
	if err != nil {
		return nil, fmt.Errorf("%w for shape %v", err, e.Shape)
	}

	shape := e.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}
	return FromData(values, shape...), nil
}

// WriteSafetensors stores tensors as F32, writing through a temp file that is
// renamed into place.
func WriteSafetensors(path string, tensors map[string]*Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("tensor name %s is reserved", metadataKey)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		header[name] = safetensorEntry{DType: "F32", Shape: t.Shape, Offsets: [2]int64{offset, offset + t.Bytes()}}
		offset += t.Bytes()
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad with spaces so the data section is 8-byte aligned.
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, []byte(strings.Repeat(" ", 8-pad))...)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, int64(len(headerJSON)))
	if err == nil {
		_, err = w.Write(headerJSON)
	}
	for _, name := range names {
		if err != nil {
			break
		}
		err = binary.Write(w, binary.LittleEndian, tensors[name].Data)
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tempPath, path)
}

// Decode converts count little-endian values of dtype (F32, F16 or BF16)
// to float32.
func Decode(dtype string, buf []byte, count int) ([]float32, error) {
	width := map[string]int{"F32": 4, "F16": 2, "BF16": 2}[dtype]
	if width == 0 {
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
	if len(buf) != count*width {
		return nil, fmt.Errorf("%s span %d does not match %d values", dtype, len(buf), count)
	}

	switch dtype {
	case "F16":
		values := make([]float32, count)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
		return values, nil
	case "BF16":
		return bfloat16.DecodeFloat32(buf), nil
	}
	values := make([]float32, count)
	if _, err := binary.Decode(buf, binary.LittleEndian, values); err != nil {
		return nil, err
	}
	return values, nil
}

// EncodeF16 packs values as little-endian IEEE half floats.
func EncodeF16(values []float32) []byte {
	buf := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
	}
	return buf
}

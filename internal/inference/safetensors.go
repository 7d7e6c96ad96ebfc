package inference

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Safetensors container parsing: an 8-byte little-endian header length,
// a JSON header mapping tensor names to {dtype, shape, data_offsets}, then
// the raw tensor data.

// stTensorInfo is one tensor's header entry.
type stTensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

func (t *stTensorInfo) elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// stFile is a parsed safetensors file.
type stFile struct {
	Tensors map[string]*stTensorInfo
	data    []byte
}

// parseSafetensors reads a .safetensors file. When path is a directory the
// conventional model.safetensors / adapter_model.safetensors inside it is
// used.
func parseSafetensors(path string) (*stFile, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		for _, candidate := range []string{"model.safetensors", "adapter_model.safetensors"} {
			full := filepath.Join(path, candidate)
			if _, err := os.Stat(full); err == nil {
				path = full
				break
			}
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read safetensors: %w", err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("safetensors %s: truncated header length", path)
	}

	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if 8+headerLen > uint64(len(raw)) {
		return nil, fmt.Errorf("safetensors %s: header length %d past EOF", path, headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("safetensors %s: header: %w", path, err)
	}

	out := &stFile{
		Tensors: map[string]*stTensorInfo{},
		data:    raw[8+headerLen:],
	}
	for name, entry := range header {
		if name == "__metadata__" {
			continue
		}
		info := &stTensorInfo{}
		if err := json.Unmarshal(entry, info); err != nil {
			return nil, fmt.Errorf("safetensors %s: tensor %q: %w", path, name, err)
		}
		out.Tensors[name] = info
	}
	return out, nil
}

// tensorF32 reads the named tensor as float32. F32 and F16 are supported;
// full-precision checkpoints ship nothing else we run.
func (s *stFile) tensorF32(name string) ([]float32, error) {
	info, ok := s.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not in file", name)
	}
	raw := s.data[info.Offsets[0]:info.Offsets[1]]
	n := info.elements()

	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, fmt.Errorf("tensor %q: %d bytes for %d f32 elements", name, len(raw), n)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = f32FromBits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("tensor %q: %d bytes for %d f16 elements", name, len(raw), n)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = f16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor %q: unsupported dtype %q", name, info.DType)
	}
}

// has reports whether the named tensor exists.
func (s *stFile) has(name string) bool {
	_, ok := s.Tensors[name]
	return ok
}

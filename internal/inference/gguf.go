package inference

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// GGUF container parsing: header, typed metadata key/values, tensor
// directory, and the aligned data section. Only the value and tensor types
// the llama family actually ships are supported; anything else is a load
// error rather than a silent skip.

const ggufMagic = 0x46554747 // "GGUF" little-endian

// GGUF metadata value types.
const (
	ggufTypeUint8   = 0
	ggufTypeInt8    = 1
	ggufTypeUint16  = 2
	ggufTypeInt16   = 3
	ggufTypeUint32  = 4
	ggufTypeInt32   = 5
	ggufTypeFloat32 = 6
	ggufTypeBool    = 7
	ggufTypeString  = 8
	ggufTypeArray   = 9
	ggufTypeUint64  = 10
	ggufTypeInt64   = 11
	ggufTypeFloat64 = 12
)

// GGUF tensor data types (the subset this backend dequantizes).
const (
	ggmlTypeF32  = 0
	ggmlTypeF16  = 1
	ggmlTypeQ8_0 = 8
)

// q8_0 blocks: one f16 scale plus 32 int8 quants.
const q8BlockSize = 32

// ggufTensorInfo describes one tensor in the directory.
type ggufTensorInfo struct {
	Name   string
	Dims   []uint64
	Type   uint32
	Offset uint64
}

// elements returns the total element count.
func (t *ggufTensorInfo) elements() int {
	n := 1
	for _, d := range t.Dims {
		n *= int(d)
	}
	return n
}

// ggufFile is a parsed GGUF container with its data section resident.
type ggufFile struct {
	Metadata map[string]any
	Tensors  map[string]*ggufTensorInfo
	data     []byte
	dataBase uint64
}

// parseGGUF reads and validates a GGUF file.
func parseGGUF(path string) (*ggufFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gguf: %w", err)
	}
	defer f.Close()

	r := &countingReader{r: bufio.NewReaderSize(f, 1<<20)}

	var magic, version uint32
	if err := r.read(&magic); err != nil {
		return nil, err
	}
	if magic != ggufMagic {
		return nil, fmt.Errorf("not a GGUF file (magic %08x)", magic)
	}
	if err := r.read(&version); err != nil {
		return nil, err
	}
	if version < 2 || version > 3 {
		return nil, fmt.Errorf("unsupported GGUF version %d", version)
	}

	var tensorCount, kvCount uint64
	if err := r.read(&tensorCount); err != nil {
		return nil, err
	}
	if err := r.read(&kvCount); err != nil {
		return nil, err
	}

	out := &ggufFile{
		Metadata: make(map[string]any, kvCount),
		Tensors:  make(map[string]*ggufTensorInfo, tensorCount),
	}

	for range kvCount {
		key, err := r.readString()
		if err != nil {
			return nil, fmt.Errorf("metadata key: %w", err)
		}
		value, err := r.readValue()
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", key, err)
		}
		out.Metadata[key] = value
	}

	for range tensorCount {
		info := &ggufTensorInfo{}
		if info.Name, err = r.readString(); err != nil {
			return nil, err
		}
		var nDims uint32
		if err := r.read(&nDims); err != nil {
			return nil, err
		}
		info.Dims = make([]uint64, nDims)
		for i := range info.Dims {
			if err := r.read(&info.Dims[i]); err != nil {
				return nil, err
			}
		}
		if err := r.read(&info.Type); err != nil {
			return nil, err
		}
		if err := r.read(&info.Offset); err != nil {
			return nil, err
		}
		out.Tensors[info.Name] = info
	}

	// The data section starts at the next alignment boundary.
	alignment := uint64(32)
	if v, ok := out.Metadata["general.alignment"]; ok {
		if a, ok := toUint64(v); ok && a > 0 {
			alignment = a
		}
	}
	out.dataBase = (r.n + alignment - 1) / alignment * alignment
	if skip := out.dataBase - r.n; skip > 0 {
		if _, err := io.CopyN(io.Discard, r.r, int64(skip)); err != nil {
			return nil, fmt.Errorf("align data section: %w", err)
		}
	}

	out.data, err = io.ReadAll(r.r)
	if err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}
	return out, nil
}

// tensorF32 dequantizes the named tensor to float32.
func (g *ggufFile) tensorF32(name string) ([]float32, error) {
	info, ok := g.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not in file", name)
	}
	n := info.elements()
	raw := g.data[info.Offset:]

	switch info.Type {
	case ggmlTypeF32:
		need := n * 4
		if len(raw) < need {
			return nil, fmt.Errorf("tensor %q truncated", name)
		}
		out := make([]float32, n)
		for i := range out {
			bits := binary.LittleEndian.Uint32(raw[i*4:])
			out[i] = f32FromBits(bits)
		}
		return out, nil

	case ggmlTypeF16:
		need := n * 2
		if len(raw) < need {
			return nil, fmt.Errorf("tensor %q truncated", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = f16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil

	case ggmlTypeQ8_0:
		blocks := n / q8BlockSize
		need := blocks * (2 + q8BlockSize)
		if n%q8BlockSize != 0 || len(raw) < need {
			return nil, fmt.Errorf("tensor %q: bad q8_0 layout", name)
		}
		out := make([]float32, n)
		for b := range blocks {
			base := b * (2 + q8BlockSize)
			scale := f16ToF32(binary.LittleEndian.Uint16(raw[base:]))
			quants := raw[base+2 : base+2+q8BlockSize]
			for i, q := range quants {
				out[b*q8BlockSize+i] = scale * float32(int8(q))
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("tensor %q: unsupported ggml type %d", name, info.Type)
	}
}

// metaString reads a string metadata value.
func (g *ggufFile) metaString(key string) (string, bool) {
	s, ok := g.Metadata[key].(string)
	return s, ok
}

// metaUint reads an integer metadata value of any width.
func (g *ggufFile) metaUint(key string) (uint64, bool) {
	v, ok := g.Metadata[key]
	if !ok {
		return 0, false
	}
	return toUint64(v)
}

// metaFloat reads a float metadata value.
func (g *ggufFile) metaFloat(key string) (float64, bool) {
	switch v := g.Metadata[key].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// metaStrings reads a string-array metadata value.
func (g *ggufFile) metaStrings(key string) ([]string, bool) {
	arr, ok := g.Metadata[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int8:
		return uint64(n), true
	case int16:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case int64:
		return uint64(n), true
	default:
		return 0, false
	}
}

func f32FromBits(bits uint32) float32 {
	return math.Float32frombits(bits)
}

// countingReader tracks the byte offset for data-section alignment.
type countingReader struct {
	r *bufio.Reader
	n uint64
}

func (c *countingReader) read(v any) error {
	if err := binary.Read(c.r, binary.LittleEndian, v); err != nil {
		return err
	}
	c.n += uint64(binary.Size(v))
	return nil
}

func (c *countingReader) readString() (string, error) {
	var length uint64
	if err := c.read(&length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", err
	}
	c.n += length
	return string(buf), nil
}

func (c *countingReader) readValue() (any, error) {
	var vtype uint32
	if err := c.read(&vtype); err != nil {
		return nil, err
	}
	return c.readTyped(vtype)
}

func (c *countingReader) readTyped(vtype uint32) (any, error) {
	switch vtype {
	case ggufTypeUint8:
		var v uint8
		return v, c.read(&v)
	case ggufTypeInt8:
		var v int8
		return v, c.read(&v)
	case ggufTypeUint16:
		var v uint16
		return v, c.read(&v)
	case ggufTypeInt16:
		var v int16
		return v, c.read(&v)
	case ggufTypeUint32:
		var v uint32
		return v, c.read(&v)
	case ggufTypeInt32:
		var v int32
		return v, c.read(&v)
	case ggufTypeFloat32:
		var v float32
		return v, c.read(&v)
	case ggufTypeBool:
		var v uint8
		err := c.read(&v)
		return v != 0, err
	case ggufTypeString:
		return c.readString()
	case ggufTypeArray:
		var elemType uint32
		if err := c.read(&elemType); err != nil {
			return nil, err
		}
		var count uint64
		if err := c.read(&count); err != nil {
			return nil, err
		}
		out := make([]any, count)
		for i := range out {
			v, err := c.readTyped(elemType)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case ggufTypeUint64:
		var v uint64
		return v, c.read(&v)
	case ggufTypeInt64:
		var v int64
		return v, c.read(&v)
	case ggufTypeFloat64:
		var v float64
		return v, c.read(&v)
	default:
		return nil, fmt.Errorf("unknown metadata value type %d", vtype)
	}
}

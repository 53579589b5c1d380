package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	gojson "github.com/goccy/go-json"
	"github.com/x448/float16"
)

// A defensive cap; real-world headers are typically in the KBs.
const maxHeaderSize = 256 << 20

var (
	ErrTensorNotFound   = errors.New("safetensors: tensor not found")
	ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")
	ErrCorruptFile      = errors.New("safetensors: corrupt file")
)

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File gives random access to the tensors of one .safetensors file.
// The underlying os.File stays open until Close; ReadAt is safe for concurrent use.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo

	f *os.File
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := parseHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	st.Path = path
	st.f = f
	return st, nil
}

func parseHeader(f *os.File) (*File, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > maxHeaderSize || int64(8+headerLen) > size {
		return nil, fmt.Errorf("%w: header length %d exceeds file size %d", ErrCorruptFile, headerLen, size)
	}
	dataStart := int64(8 + headerLen)
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]gojson.RawMessage
	if err := gojson.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	delete(raw, "__metadata__")

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := gojson.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorruptFile, name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start {
			return nil, fmt.Errorf("%w: tensor %s: invalid offsets [%d, %d]", ErrCorruptFile, name, start, end)
		}
		if end > size-dataStart {
			return nil, fmt.Errorf("%w: tensor %s: offset %d past end of data (%d bytes)",
				ErrCorruptFile, name, end, size-dataStart)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		DataStart: dataStart,
		Tensors:   tensors,
	}, nil
}

func (f *File) Close() error {
	if f == nil || f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if f.f == nil {
		return nil, TensorInfo{}, os.ErrClosed
	}
	if width := dtypeSize(t.DType); width > 0 {
		n, err := numElements(t.Shape)
		if err != nil {
			return nil, TensorInfo{}, fmt.Errorf("%w: tensor %s: %v", ErrCorruptFile, name, err)
		}
		if span := t.End - t.Start; span%width != 0 || span/width != int64(n) {
			return nil, TensorInfo{}, fmt.Errorf("%w: tensor %s: %d bytes for %d %s elements",
				ErrCorruptFile, name, span, n, t.DType)
		}
	}
	buf := make([]byte, t.End-t.Start)
	if _, err := f.f.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 reads a tensor and widens F16/BF16 payloads to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	out, err := decodeF32(info.DType, raw, n)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

func decodeF32(dtype string, raw []byte, n int) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(raw) != n*4 {
			return nil, errors.New("invalid f32 data size")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, errors.New("invalid bf16 data size")
		}
		return bfloat16.DecodeFloat32(raw), nil
	case "F16":
		if len(raw) != n*2 {
			return nil, errors.New("invalid f16 data size")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w %s", ErrUnsupportedDType, dtype)
	}
}

// dtypeSize is the element width of the dtypes this package decodes, 0 otherwise.
func dtypeSize(dtype string) int64 {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	}
	return 0
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

package paged

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
)

// Getter is the storage side an Export reads through.
type Getter interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// Export is a read-only view of a finished export, keyed by its manifest.
type Export struct {
	store    Getter
	manifest *Manifest
}

// OpenExport loads index.json from store. A missing manifest means the export
// never completed and yields ErrIncompleteExport.
func OpenExport(ctx context.Context, store Getter) (*Export, error) {
	data, err := store.Get(ctx, IndexName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrIncompleteExport
		}
		return nil, fmt.Errorf("read %s: %w", IndexName, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	return &Export{store: store, manifest: m}, nil
}

func (e *Export) Manifest() *Manifest { return e.manifest }

// Tensors lists the paged tensors in manifest order.
func (e *Export) Tensors() []string {
	var names []string
	for _, k := range e.manifest.Keys() {
		v, _ := e.manifest.Get(k)
		if v.IsShape() {
			continue
		}
		if s, ok := e.manifest.Get(ShapeKey(k)); ok && s.IsShape() {
			names = append(names, k)
		}
	}
	return names
}

// Files lists the unpaged, unmasked artifacts (layer-norm files) in manifest order.
func (e *Export) Files() []string {
	var names []string
	for _, k := range e.manifest.Keys() {
		v, _ := e.manifest.Get(k)
		if v.IsShape() || strings.HasSuffix(k, ".mask") {
			continue
		}
		if _, ok := e.manifest.Get(ShapeKey(k)); ok {
			continue
		}
		names = append(names, k)
	}
	return names
}

func (e *Export) Shape(name string) (rows, cols int, err error) {
	s, ok := e.manifest.Get(ShapeKey(name))
	if !ok || !s.IsShape() {
		return 0, 0, fmt.Errorf("%w: no shape for %s", ErrCorruptExport, name)
	}
	return s.Shape[0], s.Shape[1], nil
}

// Pages returns the page names of tensor name.
func (e *Export) Pages(name string) ([]string, error) {
	v, ok := e.manifest.Get(name)
	if !ok || v.IsShape() {
		return nil, fmt.Errorf("%w: no pages for %s", ErrCorruptExport, name)
	}
	return v.Files, nil
}

// Stream reassembles the int8 ++ scale byte stream of tensor name,
// dropping the page padding.
func (e *Export) Stream(ctx context.Context, name string) ([]byte, error) {
	rows, cols, err := e.Shape(name)
	if err != nil {
		return nil, err
	}
	files, err := e.Pages(name)
	if err != nil {
		return nil, err
	}
	pages := make([][]byte, len(files))
	for i, f := range files {
		if pages[i], err = e.store.Get(ctx, f); err != nil {
			return nil, fmt.Errorf("read page %s: %w", f, err)
		}
	}
	return JoinPages(pages, rows*cols+ScaleSize)
}

func (e *Export) Tensor(ctx context.Context, name string) (QuantizedTensor, error) {
	stream, err := e.Stream(ctx, name)
	if err != nil {
		return QuantizedTensor{}, err
	}
	rows, cols, _ := e.Shape(name)
	qt, err := DecodeQuantized(stream, rows, cols)
	if err != nil {
		return QuantizedTensor{}, fmt.Errorf("%s: %w", name, err)
	}
	qt.Name = name
	return qt, nil
}

func (e *Export) HasMask(name string) bool {
	_, ok := e.manifest.Get(MaskKey(name))
	return ok
}

func (e *Export) Mask(ctx context.Context, name string) (*BlockMask, error) {
	v, ok := e.manifest.Get(MaskKey(name))
	if !ok || len(v.Files) != 1 {
		return nil, fmt.Errorf("%w: no mask for %s", ErrCorruptExport, name)
	}
	rows, cols, err := e.Shape(name)
	if err != nil {
		return nil, err
	}
	data, err := e.store.Get(ctx, v.Files[0])
	if err != nil {
		return nil, fmt.Errorf("read mask %s: %w", v.Files[0], err)
	}
	gr, gc := MaskGrid(rows, cols)
	return UnpackMask(data, gr, gc)
}

// LayerNorm reads a weight ++ bias file of float32 values. width is the
// vector length; 0 derives it from the file size.
func (e *Export) LayerNorm(ctx context.Context, file string, width int) (weight, bias []float32, err error) {
	v, ok := e.manifest.Get(file)
	if !ok || len(v.Files) != 1 {
		return nil, nil, fmt.Errorf("%w: no layer norm %s", ErrCorruptExport, file)
	}
	data, err := e.store.Get(ctx, v.Files[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", file, err)
	}
	if width == 0 {
		width = len(data) / 8
	}
	if width <= 0 || len(data) != width*8 {
		return nil, nil, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrCorruptExport, file, len(data), width*8)
	}
	vals := DecodeFloat32s(data)
	return vals[:width], vals[width:], nil
}

// EncodeFloat32s serializes values as little-endian float32.
func EncodeFloat32s(b []byte, values ...[]float32) []byte {
	for _, vs := range values {
		for _, v := range vs {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
		}
	}
	return b
}

func DecodeFloat32s(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

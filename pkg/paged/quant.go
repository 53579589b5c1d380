package paged

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/samcharles93/sdvram/internal/tensor"
)

// ScaleEpsilon keeps the scale of an all-zero tensor strictly positive.
const ScaleEpsilon = 1e-8

// ScaleSize is the size of the little-endian float32 scale trailing every
// quantized byte stream.
const ScaleSize = 4

// QuantizedTensor is the per-tensor symmetric int8 form of a matrix.
type QuantizedTensor struct {
	Name  string
	Rows  int
	Cols  int
	Q     []int8
	Scale float32
}

// Quantize maps t onto int8 with a single scale = max|x|/127 + ScaleEpsilon.
// Values are rounded half to even and clamped to [-128, 127], so
// |x - q*scale| <= scale/2 holds for every element.
func Quantize(t *tensor.Mat) QuantizedTensor {
	var maxAbs float64
	for _, v := range t.All() {
		if a := math.Abs(float64(v)); a > maxAbs {
			maxAbs = a
		}
	}
	scale := float32(maxAbs/127 + ScaleEpsilon)
	s := float64(scale)

	q := make([]int8, t.Len())
	for i, v := range t.All() {
		r := math.RoundToEven(float64(v) / s)
		q[i] = int8(max(-128, min(127, r)))
	}
	return QuantizedTensor{
		Name:  t.Name(),
		Rows:  t.Rows(),
		Cols:  t.Cols(),
		Q:     q,
		Scale: scale,
	}
}

// Dequantize returns q*scale for every element.
func (qt QuantizedTensor) Dequantize() []float32 {
	out := make([]float32, len(qt.Q))
	for i, v := range qt.Q {
		out[i] = float32(v) * qt.Scale
	}
	return out
}

// EncodedLen is the length of the serialized stream.
func (qt QuantizedTensor) EncodedLen() int { return len(qt.Q) + ScaleSize }

// AppendBinary appends the int8 values followed by the little-endian scale.
func (qt QuantizedTensor) AppendBinary(b []byte) ([]byte, error) {
	for _, v := range qt.Q {
		b = append(b, byte(v))
	}
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(qt.Scale)), nil
}

func (qt QuantizedTensor) MarshalBinary() ([]byte, error) {
	return qt.AppendBinary(make([]byte, 0, qt.EncodedLen()))
}

// DecodeQuantized parses a stream produced by MarshalBinary. Trailing bytes
// beyond rows*cols+4 (page padding) are ignored.
func DecodeQuantized(stream []byte, rows, cols int) (QuantizedTensor, error) {
	n := rows * cols
	if rows < 0 || cols < 0 || len(stream) < n+ScaleSize {
		return QuantizedTensor{}, fmt.Errorf("%w: %d bytes for %dx%d quantized tensor", ErrCorruptExport, len(stream), rows, cols)
	}
	q := make([]int8, n)
	for i := range q {
		q[i] = int8(stream[i])
	}
	scale := math.Float32frombits(binary.LittleEndian.Uint32(stream[n:]))
	if !(scale > 0) || math.IsInf(float64(scale), 0) {
		return QuantizedTensor{}, fmt.Errorf("%w: scale %v", ErrCorruptExport, scale)
	}
	return QuantizedTensor{Rows: rows, Cols: cols, Q: q, Scale: scale}, nil
}

package paged

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/samcharles93/sdvram/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMat(t *testing.T, name string, rows, cols int, data []float32) *tensor.Mat {
	t.Helper()
	m, err := tensor.NewMat(name, rows, cols, data)
	require.NoError(t, err)
	return m
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestQuantizeAllOnes(t *testing.T) {
	t.Parallel()
	qt := Quantize(mustMat(t, "ones", 8, 8, filled(64, 1)))

	assert.InDelta(t, 1.0/127, float64(qt.Scale), 1e-7)
	for i, q := range qt.Q {
		require.Equalf(t, int8(127), q, "element %d", i)
	}
	raw, err := qt.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, raw, 68)
	assert.Equal(t, math.Float32bits(qt.Scale), uint32(raw[64])|uint32(raw[65])<<8|uint32(raw[66])<<16|uint32(raw[67])<<24)
}

func TestQuantizeZeroTensor(t *testing.T) {
	t.Parallel()
	qt := Quantize(mustMat(t, "zeros", 3, 5, make([]float32, 15)))
	assert.Greater(t, qt.Scale, float32(0))
	for _, q := range qt.Q {
		assert.Equal(t, int8(0), q)
	}
	for _, v := range qt.Dequantize() {
		assert.Zero(t, v)
	}
}

func TestQuantizeErrorBound(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(1, 2))
	data := make([]float32, 37*19)
	for i := range data {
		data[i] = float32(r.NormFloat64() * 3)
	}
	m := mustMat(t, "w", 37, 19, data)
	qt := Quantize(m)
	deq := qt.Dequantize()
	half := float64(qt.Scale) / 2
	for i, v := range data {
		diff := math.Abs(float64(v) - float64(deq[i]))
		require.LessOrEqualf(t, diff, half+1e-6, "element %d: %v vs %v", i, v, deq[i])
	}
}

func TestQuantizeRoundsHalfToEven(t *testing.T) {
	t.Parallel()
	// max 127 gives scale 1+1e-8, which rounds to exactly 1 in float32.
	qt := Quantize(mustMat(t, "ties", 1, 5, []float32{127, 0.5, 1.5, 2.5, -0.5}))
	require.Equal(t, float32(1), qt.Scale)
	assert.Equal(t, []int8{127, 0, 2, 2, 0}, qt.Q)
}

func TestQuantizeNegativeExtreme(t *testing.T) {
	t.Parallel()
	qt := Quantize(mustMat(t, "neg", 1, 3, []float32{-4, 1, 0}))
	assert.Equal(t, int8(-127), qt.Q[0])
	assert.Equal(t, int8(32), qt.Q[1])
}

func TestDecodeQuantized(t *testing.T) {
	t.Parallel()
	qt := Quantize(mustMat(t, "w", 2, 3, []float32{-1, 0.5, 0.25, 1, -0.75, 0}))
	raw, err := qt.MarshalBinary()
	require.NoError(t, err)

	padded := append(raw, make([]byte, 6)...)
	got, err := DecodeQuantized(padded, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, qt.Q, got.Q)
	assert.Equal(t, qt.Scale, got.Scale)

	_, err = DecodeQuantized(raw[:8], 2, 3)
	assert.ErrorIs(t, err, ErrCorruptExport)

	zeroScale := append(raw[:6:6], 0, 0, 0, 0)
	_, err = DecodeQuantized(zeroScale, 2, 3)
	assert.ErrorIs(t, err, ErrCorruptExport)
}

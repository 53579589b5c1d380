package paged

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockScores builds an 8x8 matrix whose 2x2 block grid has the given scores
// (each block holds score/16 in all 16 cells).
func blockScores(scores [4]float32) []float32 {
	data := make([]float32, 64)
	for r := range 8 {
		for c := range 8 {
			data[r*8+c] = scores[(r/4)*2+c/4] / 16
		}
	}
	return data
}

func TestComputeMaskExample(t *testing.T) {
	t.Parallel()
	m := mustMat(t, "w", 8, 8, blockScores([4]float32{1, 4, 2, 3}))
	mask, err := ComputeMask(m, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, mask.GridRows)
	assert.Equal(t, 2, mask.GridCols)
	assert.Equal(t, 2, mask.Kept())
	assert.Equal(t, []byte{0b00001010}, mask.Bytes())
}

func TestComputeMaskTiesKept(t *testing.T) {
	t.Parallel()
	m := mustMat(t, "w", 8, 8, blockScores([4]float32{2, 2, 2, 1}))
	mask, err := ComputeMask(m, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 3, mask.Kept())
	assert.Equal(t, []byte{0b00000111}, mask.Bytes())
}

func TestComputeMaskScoresBeyondFloat32(t *testing.T) {
	t.Parallel()
	// Block 0 sums to 2^24+1, block 1 to 2^24. In float32 both round to 2^24.
	data := make([]float32, 4*8)
	data[0] = 1 << 24
	data[1] = 1
	data[4] = 1 << 24
	m := mustMat(t, "w", 4, 8, data)
	mask, err := ComputeMask(m, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, mask.Kept())
	assert.True(t, mask.IsKept(0))
	assert.False(t, mask.IsKept(1))
}

func TestComputeMaskKeepsAtLeastOne(t *testing.T) {
	t.Parallel()
	m := mustMat(t, "w", 8, 8, blockScores([4]float32{1, 2, 3, 4}))
	mask, err := ComputeMask(m, 0.01)
	require.NoError(t, err)
	assert.Equal(t, 1, mask.Kept())
	assert.True(t, mask.IsKept(3))
}

func TestComputeMaskZeroTensorKeepsAll(t *testing.T) {
	t.Parallel()
	mask, err := ComputeMask(mustMat(t, "z", 8, 12, make([]float32, 96)), 0.5)
	require.NoError(t, err)
	assert.Equal(t, 6, mask.Kept())
	assert.Equal(t, []byte{0b00111111}, mask.Bytes())
}

func TestComputeMaskEdgeBlocksTruncated(t *testing.T) {
	t.Parallel()
	// 5x5: blocks are 4x4, 4x1, 1x4 and 1x1.
	data := make([]float32, 25)
	for i := range data {
		data[i] = 1
	}
	data[24] = 100
	mask, err := ComputeMask(mustMat(t, "w", 5, 5, data), 0.25)
	require.NoError(t, err)
	assert.Equal(t, 4, mask.Blocks())
	assert.Equal(t, 1, mask.Kept())
	assert.True(t, mask.IsKept(3))
}

func TestComputeMaskInvalidKeepFrac(t *testing.T) {
	t.Parallel()
	m := mustMat(t, "w", 4, 4, make([]float32, 16))
	for _, f := range []float64{0, -0.1, 1.5} {
		_, err := ComputeMask(m, f)
		assert.ErrorIsf(t, err, ErrInvalidKeepFrac, "keep_frac %v", f)
	}
}

func TestComputeMaskProperties(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(7, 9))
	for _, shape := range [][2]int{{64, 64}, {256, 64}, {13, 30}, {1, 1}, {4, 33}} {
		data := make([]float32, shape[0]*shape[1])
		for i := range data {
			data[i] = float32(r.NormFloat64())
		}
		m := mustMat(t, "w", shape[0], shape[1], data)
		for _, f := range []float64{0.1, 0.5, 1} {
			a, err := ComputeMask(m, f)
			require.NoError(t, err)
			b, err := ComputeMask(m, f)
			require.NoError(t, err)
			assert.Equal(t, a.Bytes(), b.Bytes(), "mask must be deterministic")

			n := a.Blocks()
			k := max(1, int(f*float64(n)))
			assert.GreaterOrEqual(t, a.Kept(), k)
			assert.LessOrEqual(t, a.Kept(), n)
			assert.Len(t, a.Bytes(), (n+7)/8)

			back, err := UnpackMask(a.Bytes(), a.GridRows, a.GridCols)
			require.NoError(t, err)
			assert.Equal(t, a.Kept(), back.Kept())
		}
	}
}

func TestUnpackMaskRejectsPaddingBits(t *testing.T) {
	t.Parallel()
	_, err := UnpackMask([]byte{0b10000001}, 1, 3)
	assert.ErrorIs(t, err, ErrCorruptExport)
	_, err = UnpackMask([]byte{1, 0}, 1, 3)
	assert.ErrorIs(t, err, ErrCorruptExport)
	m, err := UnpackMask([]byte{0b101}, 1, 3)
	require.NoError(t, err)
	assert.True(t, m.IsKept(0))
	assert.False(t, m.IsKept(1))
	assert.True(t, m.IsKept(2))
}

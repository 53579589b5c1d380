package paged

import (
	"fmt"
	"math"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/samcharles93/sdvram/internal/tensor"
)

const (
	MaskBlockRows = 4
	MaskBlockCols = 4
)

// BlockMask records which 4x4 blocks of a matrix carry the most magnitude.
// Blocks are numbered in row-major block order.
type BlockMask struct {
	GridRows int
	GridCols int
	kept     *roaring.Bitmap
}

// MaskGrid returns the block grid dimensions for a rows x cols matrix.
func MaskGrid(rows, cols int) (int, int) {
	return ceilDiv(rows, MaskBlockRows), ceilDiv(cols, MaskBlockCols)
}

// ComputeMask scores every block by the sum of absolute values (edge blocks
// truncated), then keeps each block whose score is at least the k-th largest,
// k = max(1, floor(keepFrac*N)). Ties at the cutoff are all kept.
//
// Scores accumulate in float64, so blocks whose float32 sums would round to
// the same value still order by their exact magnitude. Near-ties at the
// cutoff can therefore resolve differently from a float32 scorer.
func ComputeMask(t *tensor.Mat, keepFrac float64) (*BlockMask, error) {
	if !(keepFrac > 0 && keepFrac <= 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeepFrac, keepFrac)
	}
	gr, gc := MaskGrid(t.Rows(), t.Cols())
	m := &BlockMask{GridRows: gr, GridCols: gc, kept: roaring.New()}
	n := gr * gc
	if n == 0 {
		return m, nil
	}

	scores := make([]float64, n)
	cols := t.Cols()
	for i, v := range t.All() {
		r, c := i/cols, i%cols
		scores[(r/MaskBlockRows)*gc+c/MaskBlockCols] += math.Abs(float64(v))
	}

	k := max(1, int(math.Floor(keepFrac*float64(n))))
	sorted := slices.Clone(scores)
	slices.SortFunc(sorted, func(a, b float64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	threshold := sorted[min(k, n)-1]
	for i, s := range scores {
		if s >= threshold {
			m.kept.Add(uint32(i))
		}
	}
	return m, nil
}

// Blocks is the total number of blocks in the grid.
func (m *BlockMask) Blocks() int { return m.GridRows * m.GridCols }

// Kept is the number of retained blocks.
func (m *BlockMask) Kept() int { return int(m.kept.GetCardinality()) }

func (m *BlockMask) IsKept(block int) bool {
	if block < 0 || block >= m.Blocks() {
		return false
	}
	return m.kept.Contains(uint32(block))
}

// Bytes packs one bit per block, LSB first: block i lives in byte i>>3 at bit i&7.
func (m *BlockMask) Bytes() []byte {
	out := make([]byte, ceilDiv(m.Blocks(), 8))
	it := m.kept.Iterator()
	for it.HasNext() {
		i := it.Next()
		out[i>>3] |= 1 << (i & 7)
	}
	return out
}

// UnpackMask parses a packed mask for a gridRows x gridCols block grid.
// Set bits beyond the last block are rejected.
func UnpackMask(data []byte, gridRows, gridCols int) (*BlockMask, error) {
	n := gridRows * gridCols
	if gridRows < 0 || gridCols < 0 || len(data) != ceilDiv(n, 8) {
		return nil, fmt.Errorf("%w: mask of %d bytes for %dx%d blocks", ErrCorruptExport, len(data), gridRows, gridCols)
	}
	m := &BlockMask{GridRows: gridRows, GridCols: gridCols, kept: roaring.New()}
	for i := range len(data) * 8 {
		if data[i>>3]&(1<<(i&7)) == 0 {
			continue
		}
		if i >= n {
			return nil, fmt.Errorf("%w: padding bit %d set", ErrCorruptExport, i)
		}
		m.kept.Add(uint32(i))
	}
	return m, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

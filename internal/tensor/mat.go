package tensor

import (
	"fmt"
	"iter"
	"math"
	"slices"
)

// Mat is a named, dense row-major matrix of float32 values.
//
// A Mat is immutable once constructed: constructors copy the caller's data and
// no method hands out the backing slice. Exporters may therefore read a Mat
// from several goroutines without coordination.
type Mat struct {
	name string
	r, c int
	data []float32
}

// NewMat builds a matrix from a copy of data. len(data) must equal rows*cols.
func NewMat(name string, rows, cols int, data []float32) (*Mat, error) {
	if rows < 0 || cols < 0 {
		return nil, errNegativeDim
	}
	want := rows * cols
	if rows != 0 && want/rows != cols {
		return nil, errMatTooLarge
	}
	if len(data) != want {
		return nil, fmt.Errorf("%s: %w: got %d values for %dx%d", name, errRawSizeMismatch, len(data), rows, cols)
	}
	return &Mat{
		name: name,
		r:    rows,
		c:    cols,
		data: slices.Clone(data),
	}, nil
}

// Generate builds a matrix by evaluating fn at every (row, col) in row-major order.
func Generate(name string, rows, cols int, fn func(r, c int) float32) (*Mat, error) {
	if rows < 0 || cols < 0 {
		return nil, errNegativeDim
	}
	data := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] = fn(i, j)
		}
	}
	return &Mat{name: name, r: rows, c: cols, data: data}, nil
}

func (m *Mat) Name() string { return m.name }
func (m *Mat) Rows() int    { return m.r }
func (m *Mat) Cols() int    { return m.c }
func (m *Mat) Len() int     { return len(m.data) }

// Shape returns [rows, cols].
func (m *Mat) Shape() [2]int { return [2]int{m.r, m.c} }

// At returns the element at row i, column j. Out-of-range indices panic.
func (m *Mat) At(i, j int) float32 {
	if i < 0 || i >= m.r || j < 0 || j >= m.c {
		panic("tensor: index out of range")
	}
	return m.data[i*m.c+j]
}

// All iterates over every element in row-major order together with its flat index.
func (m *Mat) All() iter.Seq2[int, float32] {
	return func(yield func(int, float32) bool) {
		for i, v := range m.data {
			if !yield(i, v) {
				return
			}
		}
	}
}

// Values returns a copy of the row-major element data.
func (m *Mat) Values() []float32 { return slices.Clone(m.data) }

// Renamed returns a matrix sharing the same (immutable) values under another name.
func (m *Mat) Renamed(name string) *Mat {
	return &Mat{name: name, r: m.r, c: m.c, data: m.data}
}

// CheckFinite reports the first NaN or infinite element.
func (m *Mat) CheckFinite() error {
	return checkFinite(m.name, m.data)
}

func checkFinite(name string, data []float32) error {
	for i, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%s[%d]: %w", name, i, ErrNonFinite)
		}
	}
	return nil
}

// Vec is a named one-dimensional float32 vector (layer-norm scale or bias).
type Vec struct {
	name string
	data []float32
}

// NewVec builds a vector from a copy of data.
func NewVec(name string, data []float32) *Vec {
	return &Vec{name: name, data: slices.Clone(data)}
}

// Constant builds a vector of n copies of v.
func Constant(name string, n int, v float32) *Vec {
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	return &Vec{name: name, data: data}
}

func (v *Vec) Name() string       { return v.name }
func (v *Vec) Len() int           { return len(v.data) }
func (v *Vec) At(i int) float32   { return v.data[i] }
func (v *Vec) Values() []float32  { return slices.Clone(v.data) }
func (v *Vec) CheckFinite() error { return checkFinite(v.name, v.data) }

// All iterates over the vector elements in order.
func (v *Vec) All() iter.Seq2[int, float32] {
	return func(yield func(int, float32) bool) {
		for i, x := range v.data {
			if !yield(i, x) {
				return
			}
		}
	}
}

var (
	// ErrNonFinite is returned for tensors holding NaN or ±Inf.
	ErrNonFinite = fmtError("tensor: non-finite value")

	errNegativeDim     = fmtError("tensor: negative dimension for matrix")
	errMatTooLarge     = fmtError("tensor: matrix too large")
	errRawSizeMismatch = fmtError("tensor: data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

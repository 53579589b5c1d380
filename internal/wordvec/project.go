package wordvec

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/sdvram/internal/tensor"
)

var ErrProjection = errors.New("wordvec: projection failed")

// Project maps m (vocab x dim) onto its top dModel principal directions.
//
// The directions are the right singular vectors of the mean-centred matrix;
// the uncentred rows are projected onto them. A matrix already dModel wide is
// returned unchanged. When m has fewer than dModel components the extra
// columns are filled from N(0, FallbackStdDev²).
func Project(m *tensor.Mat, dModel int, rng *rand.Rand) (*tensor.Mat, error) {
	if dModel <= 0 {
		return nil, fmt.Errorf("%w: d_model %d", ErrInvalidDim, dModel)
	}
	if m.Cols() == dModel {
		return m, nil
	}
	rows, cols := m.Rows(), m.Cols()
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("%w: empty %dx%d input", ErrProjection, rows, cols)
	}

	w := mat.NewDense(rows, cols, nil)
	for i, v := range m.All() {
		w.Set(i/cols, i%cols, float64(v))
	}
	centred := mat.DenseCopyOf(w)
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, w)
		var mean float64
		for _, x := range col {
			mean += x
		}
		mean /= float64(rows)
		for i := 0; i < rows; i++ {
			centred.Set(i, j, col[i]-mean)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(centred, mat.SVDThin) {
		return nil, ErrProjection
	}
	var v mat.Dense
	svd.VTo(&v)
	_, comps := v.Dims()
	k := min(comps, dModel)

	var proj mat.Dense
	proj.Mul(w, v.Slice(0, cols, 0, k))

	out := make([]float32, rows*dModel)
	for i := 0; i < rows; i++ {
		for j := 0; j < dModel; j++ {
			if j < k {
				out[i*dModel+j] = float32(proj.At(i, j))
			} else {
				out[i*dModel+j] = float32(rng.NormFloat64() * FallbackStdDev)
			}
		}
	}
	return tensor.NewMat(m.Name(), rows, dModel, out)
}

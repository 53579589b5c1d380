package wordvec

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/sdvram/internal/tensor"
)

func testRNG() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

const sample = `a 1 2 3 4 5 6 7 8 9
short 1 2
b x 2 3 4 5 6 7 8 9
zz 9 8 7 6 5 4 3 2 1
c 0.5 0.5 0.5 0.5 0.5 0.5 0.5 0.5 0.5 0.5
`

func TestLoad(t *testing.T) {
	t.Parallel()
	m, st, err := Load(context.Background(), strings.NewReader(sample), []string{"a", "b", "c", "d"}, 0, testRNG())
	require.NoError(t, err)

	assert.Equal(t, 9, st.Dim)
	assert.Equal(t, 5, st.Lines)
	assert.Equal(t, 1, st.Malformed)
	assert.Equal(t, 1, st.Unparsable)
	assert.Equal(t, 1, st.WrongWidth)
	assert.Equal(t, 1, st.Matched)
	assert.Equal(t, 3, st.Missing)

	require.Equal(t, [2]int{4, 9}, m.Shape())
	for j := 0; j < 9; j++ {
		assert.Equal(t, float32(j+1), m.At(0, j))
	}
	for i := 1; i < 4; i++ {
		for j := 0; j < 9; j++ {
			assert.Less(t, math.Abs(float64(m.At(i, j))), 0.1, "row %d col %d", i, j)
		}
	}
}

func TestLoadExplicitDim(t *testing.T) {
	t.Parallel()
	m, st, err := Load(context.Background(), strings.NewReader(sample), []string{"c"}, 10, testRNG())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Matched)
	assert.Equal(t, float32(0.5), m.At(0, 9))
}

func TestLoadNoUsableVectors(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		input string
		vocab []string
		dim   int
	}{
		"empty":       {"", []string{"a"}, 0},
		"no match":    {sample, []string{"nope"}, 0},
		"all short":   {"a 1 2 3\nb 4 5\n", []string{"a", "b"}, 0},
		"wrong width": {sample, []string{"a", "c"}, 12},
		"empty vocab": {sample, nil, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Load(context.Background(), strings.NewReader(tc.input), tc.vocab, tc.dim, testRNG())
			require.ErrorIs(t, err, ErrNoUsableVectors)
		})
	}
}

func TestLoadNegativeDim(t *testing.T) {
	t.Parallel()
	_, _, err := Load(context.Background(), strings.NewReader(sample), []string{"a"}, -1, testRNG())
	require.ErrorIs(t, err, ErrInvalidDim)
}

func TestLoadDeterministic(t *testing.T) {
	t.Parallel()
	vocab := []string{"a", "q", "r"}
	m1, _, err := Load(context.Background(), strings.NewReader(sample), vocab, 0, testRNG())
	require.NoError(t, err)
	m2, _, err := Load(context.Background(), strings.NewReader(sample), vocab, 0, testRNG())
	require.NoError(t, err)
	assert.Equal(t, m1.Values(), m2.Values())
}

func TestDefaultVocab(t *testing.T) {
	t.Parallel()
	v := DefaultVocab(3)
	assert.Equal(t, []string{"\x00", "\x01", "\x02"}, v)
	assert.Empty(t, DefaultVocab(0))
}

func TestReadVocab(t *testing.T) {
	t.Parallel()
	v, err := ReadVocab(strings.NewReader("the\n\n of \r\nand\nextra\n"), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"the", "of", "and"}, v)

	_, err = ReadVocab(strings.NewReader("one\n"), 2)
	require.ErrorIs(t, err, ErrShortVocab)
}

func TestProjectUnchangedWidth(t *testing.T) {
	t.Parallel()
	m, err := tensor.NewMat("w", 2, 3, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	p, err := Project(m, 3, testRNG())
	require.NoError(t, err)
	assert.Same(t, m, p)
}

func TestProjectPreservesPlanarDistances(t *testing.T) {
	t.Parallel()
	// Rows lie on a 2-D affine plane in 8 dimensions, so a 2 component
	// projection keeps every pairwise distance.
	const rows, cols = 6, 8
	u := []float64{1, 0, 2, 0, -1, 0, 0, 1}
	v := []float64{0, 3, 0, 1, 0, -2, 1, 0}
	offset := []float64{5, 5, 5, 5, 5, 5, 5, 5}
	coef := [][2]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {-2, 0.5}, {0.3, -1.5}}
	m, err := tensor.Generate("w", rows, cols, func(r, c int) float32 {
		return float32(offset[c] + coef[r][0]*u[c] + coef[r][1]*v[c])
	})
	require.NoError(t, err)

	p, err := Project(m, 2, testRNG())
	require.NoError(t, err)
	require.Equal(t, [2]int{rows, 2}, p.Shape())
	assert.Equal(t, "w", p.Name())

	for i := 0; i < rows; i++ {
		for j := i + 1; j < rows; j++ {
			assert.InDelta(t, dist(m, i, j), dist(p, i, j), 1e-3, "rows %d,%d", i, j)
		}
	}
}

func TestProjectPadsMissingComponents(t *testing.T) {
	t.Parallel()
	m, err := tensor.Generate("w", 3, 4, func(r, c int) float32 { return float32(r*4 + c*c) })
	require.NoError(t, err)
	p, err := Project(m, 6, testRNG())
	require.NoError(t, err)
	require.Equal(t, [2]int{3, 6}, p.Shape())
	for i := 0; i < 3; i++ {
		for j := 3; j < 6; j++ {
			assert.Less(t, math.Abs(float64(p.At(i, j))), 0.1)
		}
	}
	require.NoError(t, p.CheckFinite())
}

func TestProjectInvalid(t *testing.T) {
	t.Parallel()
	m, err := tensor.NewMat("w", 1, 2, []float32{1, 2})
	require.NoError(t, err)
	_, err = Project(m, 0, testRNG())
	require.ErrorIs(t, err, ErrInvalidDim)

	empty, err := tensor.NewMat("e", 0, 4, nil)
	require.NoError(t, err)
	_, err = Project(empty, 2, testRNG())
	require.ErrorIs(t, err, ErrProjection)
}

func dist(m *tensor.Mat, i, j int) float64 {
	var s float64
	for c := 0; c < m.Cols(); c++ {
		d := float64(m.At(i, c) - m.At(j, c))
		s += d * d
	}
	return math.Sqrt(s)
}

package export

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/sdvram/internal/blobstore"
	"github.com/samcharles93/sdvram/internal/logger"
	"github.com/samcharles93/sdvram/internal/model"
	"github.com/samcharles93/sdvram/internal/tensor"
	"github.com/samcharles93/sdvram/pkg/paged"
)

var testDims = model.Dims{Vocab: 16, DModel: 8, DFF: 12, Layers: 2}

func testCtx() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func synthetic(t *testing.T, dims model.Dims, opts ...model.SyntheticOption) model.Source {
	t.Helper()
	src, err := model.NewSynthetic(dims, 42, opts...)
	require.NoError(t, err)
	return src
}

func run(t *testing.T, store Store, src model.Source, opts Options) (*Result, error) {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = 64
	}
	if opts.KeepFrac == 0 {
		opts.KeepFrac = 0.5
	}
	p, err := New(store, opts)
	require.NoError(t, err)
	return p.Run(testCtx(), src)
}

func TestRunTiedHead(t *testing.T) {
	t.Parallel()
	store := blobstore.NewMemoryStore()
	src := synthetic(t, testDims)
	res, err := run(t, store, src, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2+20*testDims.Layers, res.Entries)
	assert.NotEmpty(t, res.RunID)

	exp, err := paged.OpenExport(testCtx(), store)
	require.NoError(t, err)
	keys := exp.Manifest().Keys()
	require.Len(t, keys, res.Entries)
	assert.Equal(t, []string{
		"emb_weight", "emb_weight_shape",
		"dec0_Wq", "dec0_Wq_shape", "dec0_Wq.mask",
		"dec0_Wk_shared", "dec0_Wk_shared_shape", "dec0_Wk_shared.mask",
	}, keys[:8])
	assert.Equal(t, []string{"dec1_ln1.bin", "dec1_ln2.bin"}, keys[len(keys)-2:])
	_, ok := exp.Manifest().Get(model.HeadName)
	assert.False(t, ok, "tied head must not be exported twice")

	emb := src.Embedding()
	qt, err := exp.Tensor(testCtx(), model.EmbeddingName)
	require.NoError(t, err)
	require.Equal(t, emb.Rows(), qt.Rows)
	for i, v := range qt.Dequantize() {
		want := float64(emb.Values()[i])
		assert.LessOrEqual(t, math.Abs(float64(v)-want), float64(qt.Scale)/2+1e-6)
	}

	w, b, err := exp.LayerNorm(testCtx(), "dec0_ln2.bin", testDims.DModel)
	require.NoError(t, err)
	for i := range w {
		assert.Equal(t, float32(1), w[i])
		assert.Equal(t, float32(0), b[i])
	}

	mask, err := exp.Mask(testCtx(), "dec0_W1")
	require.NoError(t, err)
	gr, gc := paged.MaskGrid(testDims.DFF, testDims.DModel)
	assert.Equal(t, gr*gc, mask.Blocks())
	assert.GreaterOrEqual(t, mask.Kept(), int(math.Floor(0.5*float64(gr*gc))))

	report, err := exp.Verify(testCtx(), 64)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Problems)
}

func TestRunUntiedHead(t *testing.T) {
	t.Parallel()
	store := blobstore.NewMemoryStore()
	res, err := run(t, store, synthetic(t, testDims, model.WithUntiedHead()), Options{})
	require.NoError(t, err)
	assert.Equal(t, 4+20*testDims.Layers, res.Entries)

	exp, err := paged.OpenExport(testCtx(), store)
	require.NoError(t, err)
	keys := exp.Manifest().Keys()
	assert.Equal(t, []string{"emb_weight", "emb_weight_shape", "head_weight", "head_weight_shape"}, keys[:4])
	assert.False(t, exp.HasMask(model.HeadName))
}

func TestRunNoLayers(t *testing.T) {
	t.Parallel()
	dims := testDims
	dims.Layers = 0
	res, err := run(t, blobstore.NewMemoryStore(), synthetic(t, dims), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)
}

func TestStorageFailureLeavesNoIndex(t *testing.T) {
	t.Parallel()
	for _, workers := range []int{1, 4} {
		inner := blobstore.NewMemoryStore()
		store := blobstore.NewFaulty(inner, 5, nil)
		_, err := run(t, store, synthetic(t, testDims), Options{Workers: workers})
		require.ErrorIs(t, err, blobstore.ErrInjected)

		_, err = inner.Get(testCtx(), paged.IndexName)
		require.ErrorIs(t, err, blobstore.ErrNotFound, "workers=%d", workers)
		_, err = paged.OpenExport(testCtx(), inner)
		require.ErrorIs(t, err, paged.ErrIncompleteExport)
	}
}

func TestFailedRerunRemovesStaleIndex(t *testing.T) {
	t.Parallel()
	for _, workers := range []int{1, 4} {
		inner := blobstore.NewMemoryStore()
		_, err := run(t, inner, synthetic(t, testDims), Options{Workers: workers})
		require.NoError(t, err)

		src, err := model.NewSynthetic(testDims, 7)
		require.NoError(t, err)
		_, err = run(t, blobstore.NewFaulty(inner, 5, nil), src, Options{Workers: workers})
		require.ErrorIs(t, err, blobstore.ErrInjected)

		_, err = paged.OpenExport(testCtx(), inner)
		require.ErrorIs(t, err, paged.ErrIncompleteExport, "workers=%d", workers)
	}
}

func TestRerunReplacesIndex(t *testing.T) {
	t.Parallel()
	store := blobstore.NewMemoryStore()
	_, err := run(t, store, synthetic(t, testDims), Options{})
	require.NoError(t, err)
	res, err := run(t, store, synthetic(t, testDims, model.WithUntiedHead()), Options{})
	require.NoError(t, err)

	exp, err := paged.OpenExport(testCtx(), store)
	require.NoError(t, err)
	assert.Equal(t, res.Entries, exp.Manifest().Len())
	_, ok := exp.Manifest().Get(model.HeadName)
	assert.True(t, ok)
}

func TestParallelMatchesSequential(t *testing.T) {
	t.Parallel()
	seq, par := blobstore.NewMemoryStore(), blobstore.NewMemoryStore()
	r1, err := run(t, seq, synthetic(t, testDims), Options{Workers: 1})
	require.NoError(t, err)
	r2, err := run(t, par, synthetic(t, testDims), Options{Workers: 8})
	require.NoError(t, err)

	assert.Equal(t, string(r1.Index), string(r2.Index))
	if diff := cmp.Diff(r1.Tensors, r2.Tensors); diff != "" {
		t.Fatalf("summaries differ (-seq +par):\n%s", diff)
	}

	ctx := testCtx()
	names1, err := seq.List(ctx, "")
	require.NoError(t, err)
	names2, err := par.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, names1, names2)
	require.Equal(t, r1.Artifacts, len(names1))
	for _, name := range names1 {
		a, err := seq.Get(ctx, name)
		require.NoError(t, err)
		b, err := par.Get(ctx, name)
		require.NoError(t, err)
		require.Equal(t, a, b, name)
	}
}

type renamingSource struct {
	model.Source
	layer, kind int
	name        string
}

func (s renamingSource) Layer(i int) (model.Layer, error) {
	l, err := s.Source.Layer(i)
	if err == nil && i == s.layer {
		l.Matrices[s.kind] = l.Matrices[s.kind].Renamed(s.name)
	}
	return l, err
}

func TestDuplicateNameFailsBeforeWrite(t *testing.T) {
	t.Parallel()
	store := blobstore.NewMemoryStore()
	src := renamingSource{Source: synthetic(t, testDims), layer: 1, kind: 2, name: "dec0_Wq"}
	_, err := run(t, store, src, Options{})
	require.ErrorIs(t, err, paged.ErrDuplicateKey)
	assert.Zero(t, store.Len())
}

func TestNonFiniteFailsBeforeWrite(t *testing.T) {
	t.Parallel()
	store := blobstore.NewMemoryStore()
	bad, err := tensor.Generate("emb", testDims.Vocab, testDims.DModel, func(r, c int) float32 {
		if r == 3 && c == 2 {
			return float32(math.NaN())
		}
		return 1
	})
	require.NoError(t, err)
	src, err := model.WithEmbedding(synthetic(t, testDims), bad)
	require.NoError(t, err)

	_, err = run(t, store, src, Options{})
	require.ErrorIs(t, err, tensor.ErrNonFinite)
	assert.Zero(t, store.Len())
}

func TestRunRecordsCommit(t *testing.T) {
	t.Parallel()
	log := blobstore.NewMemoryCommitLog()
	res, err := run(t, blobstore.NewMemoryStore(), synthetic(t, testDims), Options{Committer: log, Root: "mem://test"})
	require.NoError(t, err)
	require.NotNil(t, res.Commit)

	latest, ok, err := log.Latest(testCtx())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), latest.Version)
	assert.Equal(t, res.RunID, latest.RunID)
	assert.Equal(t, "mem://test", latest.Root)
	assert.Equal(t, res.Entries, latest.Entries)
	assert.Equal(t, res.Artifacts, latest.Artifacts)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	store := blobstore.NewMemoryStore()
	p, err := New(store, Options{PageSize: 64, KeepFrac: 0.5})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(testCtx())
	cancel()
	_, err = p.Run(ctx, synthetic(t, testDims))
	require.ErrorIs(t, err, context.Canceled)
	_, err = store.Get(testCtx(), paged.IndexName)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestNewInvalidOptions(t *testing.T) {
	t.Parallel()
	store := blobstore.NewMemoryStore()
	for _, opts := range []Options{
		{PageSize: 0, KeepFrac: 0.5},
		{PageSize: 64, KeepFrac: 0},
		{PageSize: 64, KeepFrac: 1.01},
		{PageSize: 64, KeepFrac: 0.5, Workers: -1},
	} {
		_, err := New(store, opts)
		assert.ErrorIs(t, err, ErrInvalidOptions, "%+v", opts)
	}
}

package paged

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"testing"

	"github.com/samcharles93/sdvram/internal/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "emb_weight_0000.bin", PageName("emb_weight", 0))
	assert.Equal(t, "dec1_W2_0042.bin", PageName("dec1_W2", 42))
	assert.Equal(t, "x_12345.bin", PageName("x", 12345))
}

func TestSplitPagesAllOnesExample(t *testing.T) {
	t.Parallel()
	qt := Quantize(mustMat(t, "ones", 8, 8, filled(64, 1)))
	raw, err := qt.MarshalBinary()
	require.NoError(t, err)

	pages, err := SplitPages(raw, 16)
	require.NoError(t, err)
	require.Len(t, pages, 5)
	for _, p := range pages {
		assert.Len(t, p, 16)
	}
	last := pages[4]
	assert.Equal(t, raw[64:], last[:4], "scale lives in the last page")
	assert.Equal(t, make([]byte, 12), last[4:])
}

func TestSplitPagesProperties(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(3, 4))
	for _, n := range []int{0, 1, 15, 16, 17, 511, 512, 513, 4100} {
		for _, p := range []int{1, 16, 512} {
			raw := make([]byte, n)
			for i := range raw {
				raw[i] = byte(r.IntN(256))
			}
			pages, err := SplitPages(raw, p)
			require.NoError(t, err)
			require.Len(t, pages, (n+p-1)/p)
			for _, page := range pages {
				require.Len(t, page, p)
			}
			back, err := JoinPages(pages, n)
			require.NoError(t, err)
			assert.Equal(t, raw, back)
		}
	}
}

func TestSplitPagesInvalidSize(t *testing.T) {
	t.Parallel()
	_, err := SplitPages([]byte{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidPageSize)
	_, err = NewPageWriter(blobstore.NewMemoryStore(), -1)
	assert.ErrorIs(t, err, ErrInvalidPageSize)
}

func TestJoinPagesShort(t *testing.T) {
	t.Parallel()
	_, err := JoinPages([][]byte{{1, 2}}, 3)
	assert.ErrorIs(t, err, ErrCorruptExport)
}

func TestWritePaged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	w, err := NewPageWriter(store, 4)
	require.NoError(t, err)

	names, err := w.WritePaged(ctx, "dec0_Wq", []byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, []string{"dec0_Wq_0000.bin", "dec0_Wq_0001.bin"}, names)

	second, err := store.Get(ctx, "dec0_Wq_0001.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 0, 0}, second)

	none, err := w.WritePaged(ctx, "empty", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, 2, store.Len())
}

func TestWritePagedStorageFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk full")
	store := blobstore.NewFaulty(blobstore.NewMemoryStore(), 2, boom)
	w, err := NewPageWriter(store, 4)
	require.NoError(t, err)

	_, err = w.WritePaged(context.Background(), "t", make([]byte, 12))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "t_0001.bin")
	assert.Equal(t, 2, store.Puts(), "no page written after the failure")
}

func TestWritePagedCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w, err := NewPageWriter(blobstore.NewMemoryStore(), 4)
	require.NoError(t, err)
	_, err = w.WritePaged(ctx, "t", []byte{1})
	assert.ErrorIs(t, err, context.Canceled)
}

type deleteFunc func(ctx context.Context, name string) error

func (f deleteFunc) Delete(ctx context.Context, name string) error { return f(ctx, name) }

func TestInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, IndexName, []byte("{}")))
	require.NoError(t, Invalidate(ctx, store))
	_, err := OpenExport(ctx, store)
	require.ErrorIs(t, err, ErrIncompleteExport)
	require.NoError(t, Invalidate(ctx, store))

	missing := deleteFunc(func(context.Context, string) error {
		return fmt.Errorf("gone: %w", fs.ErrNotExist)
	})
	require.NoError(t, Invalidate(ctx, missing))

	boom := errors.New("boom")
	failing := deleteFunc(func(context.Context, string) error { return boom })
	require.ErrorIs(t, Invalidate(ctx, failing), boom)
}

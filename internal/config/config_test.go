package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noneSet(string) bool { return false }

func TestDefaultValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, Default().Validate())
	require.NoError(t, DefaultStorage().Validate())
}

func TestExportValidate(t *testing.T) {
	t.Parallel()
	cases := map[string]func(*Export){
		"keep zero":     func(e *Export) { e.KeepFrac = 0 },
		"keep above 1":  func(e *Export) { e.KeepFrac = 1.5 },
		"page zero":     func(e *Export) { e.PageSize = 0 },
		"workers zero":  func(e *Export) { e.Workers = 0 },
		"d_model zero":  func(e *Export) { e.Dims.DModel = 0 },
		"vocab zero":    func(e *Export) { e.Dims.Vocab = 0 },
		"d_ff negative": func(e *Export) { e.Dims.DFF = -1 },
		"layers < 0":    func(e *Export) { e.Dims.Layers = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := Default()
			mutate(&e)
			require.ErrorIs(t, e.Validate(), ErrInvalidConfig)
		})
	}

	e := Default()
	e.KeepFrac = 1
	e.Dims.Layers = 0
	require.NoError(t, e.Validate())
}

func TestStorageValidate(t *testing.T) {
	t.Parallel()
	bad := []Storage{
		{Kind: "ftp"},
		{Kind: StorageLocal},
		{Kind: StorageS3},
		{Kind: StorageMinIO, Bucket: "b"},
		{Kind: StorageS3, Bucket: "b", UploadRate: -1},
		{Kind: StorageLocal, Dir: "out", CommitTable: "t"},
	}
	for _, s := range bad {
		assert.ErrorIs(t, s.Validate(), ErrInvalidConfig, "%+v", s)
	}
	good := []Storage{
		{Kind: StorageS3, Bucket: "b", CommitTable: "exports"},
		{Kind: StorageMinIO, Bucket: "b", Endpoint: "localhost:9000"},
	}
	for _, s := range good {
		assert.NoError(t, s.Validate(), "%+v", s)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
d_model: 32
keep_frac: 0.25
seed: 7
storage:
  kind: s3
  bucket: weights
  upload_rate: 1048576
log_level: debug
`), 0o644))

	f, err := Load(path, true)
	require.NoError(t, err)
	require.NotNil(t, f.DModel)
	assert.Equal(t, 32, *f.DModel)
	assert.Nil(t, f.Vocab)
	assert.Equal(t, "debug", f.LogLevel)

	e := Default()
	f.ApplyExport(&e, noneSet)
	assert.Equal(t, 32, e.Dims.DModel)
	assert.Equal(t, 128, e.Dims.Vocab)
	assert.Equal(t, 0.25, e.KeepFrac)
	assert.Equal(t, uint64(7), e.Seed)

	s := DefaultStorage()
	f.ApplyStorage(&s, noneSet)
	assert.Equal(t, StorageS3, s.Kind)
	assert.Equal(t, "weights", s.Bucket)
	assert.Equal(t, int64(1<<20), s.UploadRate)
	assert.Equal(t, "export", s.Dir)
}

func TestFlagsWin(t *testing.T) {
	t.Parallel()
	dm, kf := 16, 0.75
	f := File{DModel: &dm, KeepFrac: &kf}
	e := Default()
	e.Dims.DModel = 8
	f.ApplyExport(&e, func(flag string) bool { return flag == "d-model" })
	assert.Equal(t, 8, e.Dims.DModel)
	assert.Equal(t, 0.75, e.KeepFrac)
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	f, err := Load(missing, false)
	require.NoError(t, err)
	assert.Nil(t, f.DModel)

	_, err = Load(missing, true)
	require.ErrorIs(t, err, os.ErrNotExist)

	f, err = Load("", true)
	require.NoError(t, err)
	assert.Nil(t, f.Seed)
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("d_model: [1, 2\n"), 0o644))
	_, err := Load(path, false)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

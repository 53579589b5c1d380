// Package config resolves export settings from built-in defaults, an optional
// YAML file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/sdvram/internal/model"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Storage kinds.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
	StorageMinIO = "minio"
)

// Export holds the resolved knobs of one export run.
type Export struct {
	Dims     model.Dims
	PageSize int
	KeepFrac float64
	Workers  int
	Seed     uint64
}

// Default mirrors the reference toolchain: d_model 64, vocab 128, 2 layers,
// d_ff 256, 512 byte pages, half the blocks kept.
func Default() Export {
	return Export{
		Dims:     model.Dims{Vocab: 128, DModel: 64, DFF: 256, Layers: 2},
		PageSize: 512,
		KeepFrac: 0.5,
		Workers:  1,
		Seed:     0,
	}
}

// Validate rejects settings that would fail mid-run.
func (e Export) Validate() error {
	if err := e.Dims.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch {
	case e.PageSize <= 0:
		return fmt.Errorf("%w: page_size %d", ErrInvalidConfig, e.PageSize)
	case math.IsNaN(e.KeepFrac) || e.KeepFrac <= 0 || e.KeepFrac > 1:
		return fmt.Errorf("%w: keep_frac %v outside (0, 1]", ErrInvalidConfig, e.KeepFrac)
	case e.Workers < 1:
		return fmt.Errorf("%w: workers %d", ErrInvalidConfig, e.Workers)
	}
	return nil
}

// Storage selects where artifacts go.
type Storage struct {
	Kind        string
	Dir         string // local output directory
	Bucket      string
	Prefix      string
	Endpoint    string
	Region      string
	Insecure    bool
	UploadRate  int64 // bytes per second, 0 = unlimited
	CommitTable string
}

func DefaultStorage() Storage {
	return Storage{Kind: StorageLocal, Dir: "export"}
}

func (s Storage) Validate() error {
	switch s.Kind {
	case StorageLocal:
		if s.Dir == "" {
			return fmt.Errorf("%w: empty output directory", ErrInvalidConfig)
		}
	case StorageS3, StorageMinIO:
		if s.Bucket == "" {
			return fmt.Errorf("%w: %s storage needs a bucket", ErrInvalidConfig, s.Kind)
		}
		if s.Kind == StorageMinIO && s.Endpoint == "" {
			return fmt.Errorf("%w: minio storage needs an endpoint", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, s.Kind)
	}
	if s.UploadRate < 0 {
		return fmt.Errorf("%w: upload_rate %d", ErrInvalidConfig, s.UploadRate)
	}
	if s.CommitTable != "" && s.Kind != StorageS3 {
		return fmt.Errorf("%w: commit_table requires s3 storage", ErrInvalidConfig)
	}
	return nil
}

// File is the on-disk configuration (~/.config/sdvram/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type File struct {
	Vocab    *int     `yaml:"vocab"`
	DModel   *int     `yaml:"d_model"`
	DFF      *int     `yaml:"d_ff"`
	Layers   *int     `yaml:"layers"`
	PageSize *int     `yaml:"page_size"`
	KeepFrac *float64 `yaml:"keep_frac"`
	Workers  *int     `yaml:"workers"`
	Seed     *uint64  `yaml:"seed"`

	Storage struct {
		Kind        string `yaml:"kind"`
		Dir         string `yaml:"dir"`
		Bucket      string `yaml:"bucket"`
		Prefix      string `yaml:"prefix"`
		Endpoint    string `yaml:"endpoint"`
		Region      string `yaml:"region"`
		Insecure    *bool  `yaml:"insecure"`
		UploadRate  *int64 `yaml:"upload_rate"`
		CommitTable string `yaml:"commit_table"`
	} `yaml:"storage"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	ServerAddress string `yaml:"server_address"`
}

// Path is the default config file location, or "" if the user config
// directory is unknown.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sdvram", "config.yaml")
}

// Load reads path. A missing file yields a zero File unless required is set.
func Load(path string, required bool) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return f, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return f, nil
}

// IsSet reports whether a command-line flag was given explicitly.
type IsSet func(flag string) bool

// ApplyExport copies file values into e for every flag not set explicitly.
// Flag names match the export command.
func (f File) ApplyExport(e *Export, isSet IsSet) {
	setInt(&e.Dims.Vocab, f.Vocab, "vocab", isSet)
	setInt(&e.Dims.DModel, f.DModel, "d-model", isSet)
	setInt(&e.Dims.DFF, f.DFF, "d-ff", isSet)
	setInt(&e.Dims.Layers, f.Layers, "layers", isSet)
	setInt(&e.PageSize, f.PageSize, "page", isSet)
	setInt(&e.Workers, f.Workers, "workers", isSet)
	if f.KeepFrac != nil && !isSet("keep-frac") {
		e.KeepFrac = *f.KeepFrac
	}
	if f.Seed != nil && !isSet("seed") {
		e.Seed = *f.Seed
	}
}

// ApplyStorage copies file values into s for every flag not set explicitly.
func (f File) ApplyStorage(s *Storage, isSet IsSet) {
	fs := f.Storage
	setStr(&s.Kind, fs.Kind, "storage", isSet)
	setStr(&s.Dir, fs.Dir, "out", isSet)
	setStr(&s.Bucket, fs.Bucket, "bucket", isSet)
	setStr(&s.Prefix, fs.Prefix, "prefix", isSet)
	setStr(&s.Endpoint, fs.Endpoint, "endpoint", isSet)
	setStr(&s.Region, fs.Region, "region", isSet)
	setStr(&s.CommitTable, fs.CommitTable, "commit-table", isSet)
	if fs.Insecure != nil && !isSet("insecure") {
		s.Insecure = *fs.Insecure
	}
	if fs.UploadRate != nil && !isSet("upload-rate") {
		s.UploadRate = *fs.UploadRate
	}
}

func setInt(dst *int, v *int, flag string, isSet IsSet) {
	if v != nil && !isSet(flag) {
		*dst = *v
	}
}

func setStr(dst *string, v, flag string, isSet IsSet) {
	if v != "" && !isSet(flag) {
		*dst = v
	}
}

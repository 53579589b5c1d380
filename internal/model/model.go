// Package model supplies the named weight tensors that get exported.
//
// A Source hands out immutable tensors already named for export:
// emb_weight, dec{i}_Wq ... dec{i}_W2 and the per-layer norm vectors.
package model

import (
	"errors"
	"fmt"

	"github.com/samcharles93/sdvram/internal/tensor"
)

var (
	ErrInvalidDims  = errors.New("model: invalid dimensions")
	ErrShape        = errors.New("model: tensor shape mismatch")
	ErrLayerOutside = errors.New("model: layer index out of range")
)

// Dims describes the transformer stack.
type Dims struct {
	Vocab  int `yaml:"vocab"`
	DModel int `yaml:"d_model"`
	DFF    int `yaml:"d_ff"`
	Layers int `yaml:"layers"`
}

func (d Dims) Validate() error {
	switch {
	case d.Vocab <= 0:
		return fmt.Errorf("%w: vocab %d", ErrInvalidDims, d.Vocab)
	case d.DModel <= 0:
		return fmt.Errorf("%w: d_model %d", ErrInvalidDims, d.DModel)
	case d.DFF <= 0:
		return fmt.Errorf("%w: d_ff %d", ErrInvalidDims, d.DFF)
	case d.Layers < 0:
		return fmt.Errorf("%w: layers %d", ErrInvalidDims, d.Layers)
	}
	return nil
}

// Export names.
const (
	EmbeddingName = "emb_weight"
	HeadName      = "head_weight"
)

// MatrixKinds is the fixed per-layer export order of the weight matrices.
var MatrixKinds = [...]string{"Wq", "Wk_shared", "Wv_shared", "Wo", "W1", "W2"}

func MatrixName(layer int, kind string) string {
	return fmt.Sprintf("dec%d_%s", layer, kind)
}

// LayerNormName is the artifact name of norm 1 or 2 of a layer.
func LayerNormName(layer, norm int) string {
	return fmt.Sprintf("dec%d_ln%d.bin", layer, norm)
}

// MatrixShape returns the (out, in) shape of a layer matrix.
func (d Dims) MatrixShape(kind string) (rows, cols int) {
	switch kind {
	case "W1":
		return d.DFF, d.DModel
	case "W2":
		return d.DModel, d.DFF
	default:
		return d.DModel, d.DModel
	}
}

// LayerNorm is a pair of scale and shift vectors of width d_model.
type LayerNorm struct {
	Weight *tensor.Vec
	Bias   *tensor.Vec
}

// Layer holds one block's tensors. Matrices follows MatrixKinds order.
type Layer struct {
	Index    int
	Matrices [len(MatrixKinds)]*tensor.Mat
	Norms    [2]LayerNorm
}

// Source is the model collaborator.
type Source interface {
	Config() Dims
	Embedding() *tensor.Mat
	// Head returns the output projection. When tied is true the head is the
	// embedding itself and must not be exported a second time.
	Head() (head *tensor.Mat, tied bool)
	Layer(i int) (Layer, error)
}

// CheckLayer validates a layer against dims.
func CheckLayer(d Dims, l Layer) error {
	for k, m := range l.Matrices {
		kind := MatrixKinds[k]
		if m == nil {
			return fmt.Errorf("%w: layer %d missing %s", ErrShape, l.Index, kind)
		}
		r, c := d.MatrixShape(kind)
		if m.Rows() != r || m.Cols() != c {
			return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShape, m.Name(), m.Rows(), m.Cols(), r, c)
		}
	}
	for n, ln := range l.Norms {
		if ln.Weight == nil || ln.Bias == nil {
			return fmt.Errorf("%w: layer %d missing ln%d", ErrShape, l.Index, n+1)
		}
		if ln.Weight.Len() != d.DModel || ln.Bias.Len() != d.DModel {
			return fmt.Errorf("%w: %s width %d/%d, want %d", ErrShape, LayerNormName(l.Index, n+1), ln.Weight.Len(), ln.Bias.Len(), d.DModel)
		}
	}
	return nil
}

func checkEmbedding(d Dims, m *tensor.Mat) error {
	if m.Rows() != d.Vocab || m.Cols() != d.DModel {
		return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShape, m.Name(), m.Rows(), m.Cols(), d.Vocab, d.DModel)
	}
	return nil
}

type withEmbedding struct {
	Source
	emb *tensor.Mat
}

// WithEmbedding replaces the embedding of src. A tied head follows the new
// embedding; an untied head is left alone.
func WithEmbedding(src Source, emb *tensor.Mat) (Source, error) {
	emb = emb.Renamed(EmbeddingName)
	if err := checkEmbedding(src.Config(), emb); err != nil {
		return nil, err
	}
	return &withEmbedding{Source: src, emb: emb}, nil
}

func (w *withEmbedding) Embedding() *tensor.Mat { return w.emb }

func (w *withEmbedding) Head() (*tensor.Mat, bool) {
	head, tied := w.Source.Head()
	if tied {
		return w.emb, true
	}
	return head, false
}

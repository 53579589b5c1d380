package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
	"github.com/samcharles93/sdvram/internal/tensor"
)

// Synthetic is a deterministic stand-in for a trained model. Every tensor is
// drawn from its own stream seeded by (seed, name), so the values do not
// depend on the order in which layers are requested.
//
// Initialisation follows the usual PyTorch defaults: embedding N(0, 1),
// linear weights U(-1/sqrt(in), 1/sqrt(in)), norm weight 1 and bias 0.
// The head is tied to the embedding unless WithUntiedHead is given.
type Synthetic struct {
	dims Dims
	seed uint64
	emb  *tensor.Mat
	head *tensor.Mat
}

type SyntheticOption func(*syntheticOptions)

type syntheticOptions struct {
	untied bool
}

// WithUntiedHead gives the model its own output projection.
func WithUntiedHead() SyntheticOption {
	return func(o *syntheticOptions) { o.untied = true }
}

func NewSynthetic(dims Dims, seed uint64, opts ...SyntheticOption) (*Synthetic, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	var o syntheticOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &Synthetic{dims: dims, seed: seed}
	rng := s.rng(EmbeddingName)
	emb, err := tensor.Generate(EmbeddingName, dims.Vocab, dims.DModel, func(int, int) float32 {
		return float32(rng.NormFloat64())
	})
	if err != nil {
		return nil, err
	}
	s.emb = emb
	if o.untied {
		if s.head, err = s.linear(HeadName, dims.Vocab, dims.DModel); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Synthetic) linear(name string, rows, cols int) (*tensor.Mat, error) {
	bound := 1 / math.Sqrt(float64(cols))
	rng := s.rng(name)
	return tensor.Generate(name, rows, cols, func(int, int) float32 {
		return float32((rng.Float64()*2 - 1) * bound)
	})
}

func (s *Synthetic) rng(name string) *rand.Rand {
	return rand.New(rand.NewPCG(s.seed, xxhash.Sum64String(name)))
}

func (s *Synthetic) Config() Dims { return s.dims }

func (s *Synthetic) Embedding() *tensor.Mat { return s.emb }

func (s *Synthetic) Head() (*tensor.Mat, bool) {
	if s.head == nil {
		return s.emb, true
	}
	return s.head, false
}

func (s *Synthetic) Layer(i int) (Layer, error) {
	if i < 0 || i >= s.dims.Layers {
		return Layer{}, fmt.Errorf("%w: %d of %d", ErrLayerOutside, i, s.dims.Layers)
	}
	l := Layer{Index: i}
	for k, kind := range MatrixKinds {
		name := MatrixName(i, kind)
		rows, cols := s.dims.MatrixShape(kind)
		m, err := s.linear(name, rows, cols)
		if err != nil {
			return Layer{}, err
		}
		l.Matrices[k] = m
	}
	for n := range l.Norms {
		name := LayerNormName(i, n+1)
		l.Norms[n] = LayerNorm{
			Weight: tensor.Constant(name+".weight", s.dims.DModel, 1),
			Bias:   tensor.Constant(name+".bias", s.dims.DModel, 0),
		}
	}
	return l, nil
}

package model

import (
	"fmt"

	"github.com/samcharles93/sdvram/internal/safetensors"
	"github.com/samcharles93/sdvram/internal/tensor"
)

// State-dict keys of the trained model.
const (
	KeyEmbedding = "emb.weight"
	KeyHead      = "head.weight"
)

var matrixModules = [len(MatrixKinds)]string{"q", "k", "v", "o", "w1", "w2"}

func matrixKey(layer, kind int) string {
	return fmt.Sprintf("blocks.%d.%s.weight", layer, matrixModules[kind])
}

func normKeys(layer, norm int) (weight, bias string) {
	p := fmt.Sprintf("blocks.%d.ln%d", layer, norm+1)
	return p + ".weight", p + ".bias"
}

// SafetensorsSource reads a trained model from a .safetensors file.
// A missing head.weight means the head is tied to the embedding.
type SafetensorsSource struct {
	dims Dims
	st   *safetensors.File
	emb  *tensor.Mat
	head *tensor.Mat
}

// OpenSafetensors opens path and checks the embedding and head against dims.
// Layers are read lazily by Layer.
func OpenSafetensors(path string, dims Dims) (*SafetensorsSource, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	s := &SafetensorsSource{dims: dims, st: st}
	if err := s.load(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

func (s *SafetensorsSource) load() error {
	emb, err := tensor.LoadSafetensorsMat(s.st, KeyEmbedding, EmbeddingName)
	if err != nil {
		return err
	}
	if err := checkEmbedding(s.dims, emb); err != nil {
		return err
	}
	s.emb = emb

	if _, ok := s.st.Tensor(KeyHead); !ok {
		return nil
	}
	head, err := tensor.LoadSafetensorsMat(s.st, KeyHead, HeadName)
	if err != nil {
		return err
	}
	if head.Rows() != s.dims.Vocab || head.Cols() != s.dims.DModel {
		return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShape, KeyHead, head.Rows(), head.Cols(), s.dims.Vocab, s.dims.DModel)
	}
	s.head = head
	return nil
}

func (s *SafetensorsSource) Close() error { return s.st.Close() }

func (s *SafetensorsSource) Config() Dims { return s.dims }

func (s *SafetensorsSource) Embedding() *tensor.Mat { return s.emb }

func (s *SafetensorsSource) Head() (*tensor.Mat, bool) {
	if s.head == nil {
		return s.emb, true
	}
	return s.head, false
}

func (s *SafetensorsSource) Layer(i int) (Layer, error) {
	if i < 0 || i >= s.dims.Layers {
		return Layer{}, fmt.Errorf("%w: %d of %d", ErrLayerOutside, i, s.dims.Layers)
	}
	l := Layer{Index: i}
	for k, kind := range MatrixKinds {
		m, err := tensor.LoadSafetensorsMat(s.st, matrixKey(i, k), MatrixName(i, kind))
		if err != nil {
			return Layer{}, err
		}
		l.Matrices[k] = m
	}
	for n := range l.Norms {
		wKey, bKey := normKeys(i, n)
		name := LayerNormName(i, n+1)
		w, err := tensor.LoadSafetensorsVec(s.st, wKey, name+".weight")
		if err != nil {
			return Layer{}, err
		}
		b, err := tensor.LoadSafetensorsVec(s.st, bKey, name+".bias")
		if err != nil {
			return Layer{}, err
		}
		l.Norms[n] = LayerNorm{Weight: w, Bias: b}
	}
	if err := CheckLayer(s.dims, l); err != nil {
		return Layer{}, err
	}
	return l, nil
}

// Tensors flattens the model into safetensors records under the state-dict
// names read back by OpenSafetensors.
func Tensors(src Source) ([]safetensors.Tensor, error) {
	d := src.Config()
	emb := src.Embedding()
	out := []safetensors.Tensor{{Name: KeyEmbedding, Shape: []int{emb.Rows(), emb.Cols()}, Data: emb.Values()}}
	if head, tied := src.Head(); !tied {
		out = append(out, safetensors.Tensor{Name: KeyHead, Shape: []int{head.Rows(), head.Cols()}, Data: head.Values()})
	}
	for i := range d.Layers {
		l, err := src.Layer(i)
		if err != nil {
			return nil, err
		}
		for k, m := range l.Matrices {
			out = append(out, safetensors.Tensor{Name: matrixKey(i, k), Shape: []int{m.Rows(), m.Cols()}, Data: m.Values()})
		}
		for n, ln := range l.Norms {
			w, b := normKeys(i, n)
			out = append(out,
				safetensors.Tensor{Name: w, Shape: []int{ln.Weight.Len()}, Data: ln.Weight.Values()},
				safetensors.Tensor{Name: b, Shape: []int{ln.Bias.Len()}, Data: ln.Bias.Values()},
			)
		}
	}
	return out, nil
}

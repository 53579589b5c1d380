package export

import (
	"fmt"

	"github.com/samcharles93/sdvram/internal/model"
	"github.com/samcharles93/sdvram/internal/tensor"
	"github.com/samcharles93/sdvram/pkg/paged"
)

type jobKind int

const (
	jobDense  jobKind = iota // quantized + paged
	jobMasked                // quantized + paged + block mask
	jobNorm                  // raw float32 weight ++ bias, one file
)

func (k jobKind) String() string {
	switch k {
	case jobDense:
		return "dense"
	case jobMasked:
		return "masked"
	default:
		return "norm"
	}
}

// job is one unit of export work. Jobs own immutable tensors, so they can run
// in any order; only manifest registration is ordered.
type job struct {
	kind jobKind
	name string
	mat  *tensor.Mat
	norm model.LayerNorm
}

// keys lists the manifest keys the job registers, in registration order.
func (j job) keys() []string {
	switch j.kind {
	case jobNorm:
		return []string{j.name}
	case jobMasked:
		return []string{j.name, paged.ShapeKey(j.name), paged.MaskKey(j.name)}
	default:
		return []string{j.name, paged.ShapeKey(j.name)}
	}
}

// buildPlan walks src in export order: embedding, untied head, then per layer
// the six matrices followed by the two norms. It fails on duplicate keys or
// non-finite values before anything is written.
func buildPlan(src model.Source) ([]job, error) {
	dims := src.Config()
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	jobs := make([]job, 0, 2+8*dims.Layers)
	jobs = append(jobs, job{kind: jobDense, name: model.EmbeddingName, mat: src.Embedding()})
	if head, tied := src.Head(); !tied {
		jobs = append(jobs, job{kind: jobDense, name: head.Name(), mat: head})
	}
	for i := 0; i < dims.Layers; i++ {
		l, err := src.Layer(i)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if err := model.CheckLayer(dims, l); err != nil {
			return nil, err
		}
		for _, m := range l.Matrices {
			jobs = append(jobs, job{kind: jobMasked, name: m.Name(), mat: m})
		}
		for n, ln := range l.Norms {
			jobs = append(jobs, job{kind: jobNorm, name: model.LayerNormName(i, n+1), norm: ln})
		}
	}

	seen := make(map[string]string)
	for _, j := range jobs {
		for _, k := range j.keys() {
			if prev, ok := seen[k]; ok {
				return nil, fmt.Errorf("%w: %q from %s and %s", paged.ErrDuplicateKey, k, prev, j.name)
			}
			seen[k] = j.name
		}
		if err := j.checkFinite(); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (j job) checkFinite() error {
	if j.kind == jobNorm {
		if err := j.norm.Weight.CheckFinite(); err != nil {
			return err
		}
		return j.norm.Bias.CheckFinite()
	}
	return j.mat.CheckFinite()
}

// Package export runs the paged export of a model: every tensor is
// quantized, paged and registered, layer matrices get a block mask, and
// index.json is written last, only after every artifact is durable.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/sdvram/internal/blobstore"
	"github.com/samcharles93/sdvram/internal/logger"
	"github.com/samcharles93/sdvram/internal/model"
	"github.com/samcharles93/sdvram/pkg/paged"
)

var ErrInvalidOptions = errors.New("export: invalid options")

// Options configures a Pipeline.
type Options struct {
	PageSize int
	KeepFrac float64
	// Workers bounds concurrent tensor jobs. 0 or 1 runs sequentially.
	Workers int
	// Committer, when set, records the finished export.
	Committer blobstore.Committer
	// Root names the output location in commit records.
	Root string
}

// Store is the output side of a Pipeline.
type Store interface {
	paged.Putter
	paged.Deleter
}

// Pipeline writes exports into a store.
type Pipeline struct {
	store  Store
	writer *paged.PageWriter
	opts   Options
}

func New(store Store, opts Options) (*Pipeline, error) {
	if opts.KeepFrac <= 0 || opts.KeepFrac > 1 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, paged.ErrInvalidKeepFrac)
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("%w: workers %d", ErrInvalidOptions, opts.Workers)
	}
	opts.Workers = max(1, opts.Workers)
	w, err := paged.NewPageWriter(store, opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return &Pipeline{store: store, writer: w, opts: opts}, nil
}

// TensorSummary describes one exported artifact group.
type TensorSummary struct {
	Name   string
	Kind   string
	Rows   int
	Cols   int
	Pages  int
	Bytes  int64
	Scale  float32
	Kept   int
	Blocks int
}

// Result summarizes a finished run.
type Result struct {
	RunID     string
	Entries   int
	Artifacts int
	Bytes     int64
	Tensors   []TensorSummary
	Index     []byte
	Commit    *blobstore.Commit
	Elapsed   time.Duration
}

type record struct {
	key   string
	entry paged.Entry
}

type jobResult struct {
	records   []record
	summary   TensorSummary
	artifacts int
}

// Run exports src. An index.json left by an earlier run is removed before the
// first artifact is written. On any error index.json is not written; artifacts
// already stored are left behind and the export is untrusted.
func (p *Pipeline) Run(ctx context.Context, src model.Source) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := logger.FromContext(ctx).With("run_id", runID)
	ctx = logger.WithContext(ctx, log)

	jobs, err := buildPlan(src)
	if err != nil {
		return nil, fmt.Errorf("plan export: %w", err)
	}
	log.Info("export started", "jobs", len(jobs), "layers", src.Config().Layers,
		"page_size", p.writer.PageSize(), "keep_frac", p.opts.KeepFrac, "workers", p.opts.Workers)
	if err := paged.Invalidate(ctx, p.store); err != nil {
		return nil, err
	}

	results := make([]jobResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := p.runJob(gctx, j)
			if err != nil {
				return fmt.Errorf("export %s: %w", j.name, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("export aborted", "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{RunID: runID, Tensors: make([]TensorSummary, 0, len(jobs))}
	manifest := paged.NewManifest()
	for _, r := range results {
		for _, rec := range r.records {
			if err := manifest.Register(rec.key, rec.entry); err != nil {
				return nil, err
			}
		}
		res.Artifacts += r.artifacts
		res.Bytes += r.summary.Bytes
		res.Tensors = append(res.Tensors, r.summary)
	}
	index, err := manifest.Finalize()
	if err != nil {
		return nil, err
	}
	if err := p.writer.WriteFile(ctx, paged.IndexName, index); err != nil {
		return nil, err
	}
	res.Entries = manifest.Len()
	res.Artifacts++
	res.Bytes += int64(len(index))
	res.Index = index

	if p.opts.Committer != nil {
		c, err := p.opts.Committer.Record(ctx, blobstore.Commit{
			RunID:     runID,
			Root:      p.opts.Root,
			Manifest:  paged.IndexName,
			Entries:   res.Entries,
			Artifacts: res.Artifacts,
			Bytes:     res.Bytes,
		})
		if err != nil {
			return nil, fmt.Errorf("record commit: %w", err)
		}
		res.Commit = &c
	}
	res.Elapsed = time.Since(start)
	log.Info("export finished", "entries", res.Entries, "artifacts", res.Artifacts,
		"bytes", res.Bytes, "elapsed", res.Elapsed)
	return res, nil
}

func (p *Pipeline) runJob(ctx context.Context, j job) (jobResult, error) {
	log := logger.FromContext(ctx)
	if j.kind == jobNorm {
		w, b := j.norm.Weight.Values(), j.norm.Bias.Values()
		data := paged.EncodeFloat32s(nil, w, b)
		if err := p.writer.WriteFile(ctx, j.name, data); err != nil {
			return jobResult{}, err
		}
		log.Debug("layer norm written", "file", j.name, "width", len(w))
		return jobResult{
			records:   []record{{j.name, paged.FilesEntry(j.name)}},
			summary:   TensorSummary{Name: j.name, Kind: j.kind.String(), Cols: len(w), Bytes: int64(len(data))},
			artifacts: 1,
		}, nil
	}

	qt := paged.Quantize(j.mat)
	raw, err := qt.MarshalBinary()
	if err != nil {
		return jobResult{}, err
	}
	pages, err := p.writer.WritePaged(ctx, j.name, raw)
	if err != nil {
		return jobResult{}, err
	}
	sum := TensorSummary{
		Name:  j.name,
		Kind:  j.kind.String(),
		Rows:  qt.Rows,
		Cols:  qt.Cols,
		Pages: len(pages),
		Bytes: int64(len(pages) * p.writer.PageSize()),
		Scale: qt.Scale,
	}
	res := jobResult{
		records: []record{
			{j.name, paged.FilesEntry(pages...)},
			{paged.ShapeKey(j.name), paged.ShapeEntry(qt.Rows, qt.Cols)},
		},
		artifacts: len(pages),
	}
	if j.kind == jobMasked {
		mask, err := paged.ComputeMask(j.mat, p.opts.KeepFrac)
		if err != nil {
			return jobResult{}, err
		}
		key := paged.MaskKey(j.name)
		bits := mask.Bytes()
		if err := p.writer.WriteFile(ctx, key, bits); err != nil {
			return jobResult{}, err
		}
		res.records = append(res.records, record{key, paged.FilesEntry(key)})
		res.artifacts++
		sum.Bytes += int64(len(bits))
		sum.Kept, sum.Blocks = mask.Kept(), mask.Blocks()
	}
	res.summary = sum
	log.Debug("tensor written", "tensor", j.name, "pages", len(pages), "scale", qt.Scale, "kept", sum.Kept)
	return res, nil
}

package paged

import (
	"context"
	"fmt"
)

// Problem is one inconsistency found by Verify.
type Problem struct {
	Key string
	Err error
}

func (p Problem) Error() string { return p.Key + ": " + p.Err.Error() }

// Report summarizes a Verify pass.
type Report struct {
	Tensors  int
	Masks    int
	Files    int
	Pages    int
	Problems []Problem
}

func (r *Report) OK() bool { return len(r.Problems) == 0 }

func (r *Report) fail(key string, format string, args ...any) {
	r.Problems = append(r.Problems, Problem{Key: key, Err: fmt.Errorf(format, args...)})
}

// Verify re-reads every artifact named by the manifest and checks page sizes,
// page counts, scales and mask lengths. pageSize 0 takes the size of the
// first page seen. Only context and storage errors for index.json are fatal;
// everything else is reported.
func (e *Export) Verify(ctx context.Context, pageSize int) (*Report, error) {
	r := &Report{}
	for _, name := range e.Tensors() {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.Tensors++
		pageSize = e.verifyTensor(ctx, r, name, pageSize)
		if e.HasMask(name) {
			r.Masks++
			if _, err := e.Mask(ctx, name); err != nil {
				r.fail(MaskKey(name), "%v", err)
			}
		}
	}
	for _, file := range e.Files() {
		r.Files++
		if _, _, err := e.LayerNorm(ctx, file, 0); err != nil {
			r.fail(file, "%v", err)
		}
	}
	return r, nil
}

func (e *Export) verifyTensor(ctx context.Context, r *Report, name string, pageSize int) int {
	rows, cols, err := e.Shape(name)
	if err != nil {
		r.fail(name, "%v", err)
		return pageSize
	}
	files, _ := e.Pages(name)
	streamLen := rows*cols + ScaleSize
	pages := make([][]byte, 0, len(files))
	for i, f := range files {
		data, err := e.store.Get(ctx, f)
		if err != nil {
			r.fail(name, "read page %s: %v", f, err)
			return pageSize
		}
		r.Pages++
		if pageSize == 0 {
			pageSize = len(data)
		}
		if len(data) != pageSize {
			r.fail(name, "page %s is %d bytes, want %d", f, len(data), pageSize)
		}
		if f != PageName(name, i) {
			r.fail(name, "page %d is named %s", i, f)
		}
		pages = append(pages, data)
	}
	if pageSize > 0 && len(files) != PageCount(streamLen, pageSize) {
		r.fail(name, "%d pages for %d bytes at page size %d", len(files), streamLen, pageSize)
	}
	stream, err := JoinPages(pages, streamLen)
	if err != nil {
		r.fail(name, "%v", err)
		return pageSize
	}
	if _, err := DecodeQuantized(stream, rows, cols); err != nil {
		r.fail(name, "%v", err)
	}
	return pageSize
}

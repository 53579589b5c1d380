package paged

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// DefaultPageSize matches the SD-card sector-friendly page used by devices.
const DefaultPageSize = 512

// Putter is the storage side a PageWriter needs.
type Putter interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Deleter removes artifacts.
type Deleter interface {
	Delete(ctx context.Context, name string) error
}

// Invalidate removes index.json so a partial rewrite of an existing export
// never reads as complete. A missing index is not an error.
func Invalidate(ctx context.Context, store Deleter) error {
	if err := store.Delete(ctx, IndexName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", IndexName, err)
	}
	return nil
}

// PageName returns the artifact name of page index of a tensor.
func PageName(name string, index int) string {
	return fmt.Sprintf("%s_%04d.bin", name, index)
}

// PageCount is the number of pages needed for n bytes.
func PageCount(n, pageSize int) int {
	return ceilDiv(n, pageSize)
}

// SplitPages cuts raw into pageSize chunks, zero padding the last one.
// An empty input yields no pages.
func SplitPages(raw []byte, pageSize int) ([][]byte, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, pageSize)
	}
	pages := make([][]byte, 0, PageCount(len(raw), pageSize))
	for off := 0; off < len(raw); off += pageSize {
		page := make([]byte, pageSize)
		copy(page, raw[off:min(off+pageSize, len(raw))])
		pages = append(pages, page)
	}
	return pages, nil
}

// JoinPages concatenates pages and trims the result to n bytes.
func JoinPages(pages [][]byte, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for _, p := range pages {
		out = append(out, p...)
	}
	if len(out) < n {
		return nil, fmt.Errorf("%w: pages hold %d bytes, need %d", ErrCorruptExport, len(out), n)
	}
	return out[:n], nil
}

// PageWriter writes byte streams as fixed-size page artifacts.
type PageWriter struct {
	store    Putter
	pageSize int
}

func NewPageWriter(store Putter, pageSize int) (*PageWriter, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, pageSize)
	}
	return &PageWriter{store: store, pageSize: pageSize}, nil
}

func (w *PageWriter) PageSize() int { return w.pageSize }

// WritePaged stores raw as ceil(len(raw)/PageSize) pages and returns their
// names in order. The first storage error aborts the write.
func (w *PageWriter) WritePaged(ctx context.Context, name string, raw []byte) ([]string, error) {
	pages, err := SplitPages(raw, w.pageSize)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(pages))
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		names[i] = PageName(name, i)
		if err := w.store.Put(ctx, names[i], page); err != nil {
			return nil, fmt.Errorf("write page %s: %w", names[i], err)
		}
	}
	return names, nil
}

// WriteFile stores data as a single unpaged artifact.
func (w *PageWriter) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := w.store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

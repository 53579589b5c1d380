// Package blobstore stores export artifacts as named blobs.
//
// A Store is flat: names are slash-separated relative paths and an export
// lives under a single root (a directory, a bucket prefix or memory).
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrNotFound wraps fs.ErrNotExist so callers can test either.
	ErrNotFound    = fmt.Errorf("blobstore: %w", fs.ErrNotExist)
	ErrInvalidName = errors.New("blobstore: invalid blob name")
)

// Store is implemented by every artifact backend.
type Store interface {
	// Put writes data under name, replacing any previous blob. Readers never
	// observe a partially written blob.
	Put(ctx context.Context, name string, data []byte) error
	// Get returns the full blob, or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns the sorted names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes name; deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
}

// CheckName rejects names that would escape the store root.
func CheckName(name string) error {
	if name == "." || !fs.ValidPath(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Package bundle packs a finished export into a single compressed tar stream
// for transport, and unpacks it into a store.
//
// Every tar entry carries its xxhash64 digest in a PAX record; Unpack
// verifies digests and writes index.json last, so an interrupted unpack
// leaves an export that readers treat as incomplete.
package bundle

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/sdvram/pkg/paged"
)

// PAXDigest is the PAX record holding the hex xxhash64 of an entry.
const PAXDigest = "SDVRAM.xxh64"

var (
	ErrIncomplete = errors.New("bundle: export has no index.json")
	ErrChecksum   = errors.New("bundle: checksum mismatch")
	ErrMalformed  = errors.New("bundle: malformed archive")
)

// Source is the read side of a store.
type Source interface {
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Options tunes Pack.
type Options struct {
	Codec string
	// Level is codec specific; 0 picks the codec default.
	Level int
	// ModTime stamps every entry. Zero means the Unix epoch, keeping output
	// reproducible.
	ModTime time.Time
}

// Summary describes a packed or unpacked bundle.
type Summary struct {
	Files int
	Bytes int64
}

// Pack writes the export held in src to w. Only artifacts referenced by
// index.json are included; index.json is the last entry.
func Pack(ctx context.Context, src Source, w io.Writer, opts Options) (Summary, error) {
	exp, err := paged.OpenExport(ctx, src)
	if err != nil {
		if errors.Is(err, paged.ErrIncompleteExport) {
			return Summary{}, ErrIncomplete
		}
		return Summary{}, err
	}
	index, err := src.Get(ctx, paged.IndexName)
	if err != nil {
		return Summary{}, err
	}

	cw, err := compressor(w, opts.Codec, opts.Level)
	if err != nil {
		return Summary{}, err
	}
	mtime := opts.ModTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	tw := tar.NewWriter(cw)

	var sum Summary
	add := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:       name,
			Mode:       0o644,
			Size:       int64(len(data)),
			ModTime:    mtime,
			Typeflag:   tar.TypeReg,
			Format:     tar.FormatPAX,
			PAXRecords: map[string]string{PAXDigest: digest(data)},
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("bundle %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("bundle %s: %w", name, err)
		}
		sum.Files++
		sum.Bytes += int64(len(data))
		return nil
	}

	for _, name := range artifacts(exp) {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		data, err := src.Get(ctx, name)
		if err != nil {
			return sum, fmt.Errorf("read %s: %w", name, err)
		}
		if err := add(name, data); err != nil {
			return sum, err
		}
	}
	if err := add(paged.IndexName, index); err != nil {
		return sum, err
	}
	if err := tw.Close(); err != nil {
		return sum, err
	}
	return sum, cw.Close()
}

// artifacts lists every file named by the manifest, in manifest order.
func artifacts(exp *paged.Export) []string {
	m := exp.Manifest()
	seen := make(map[string]bool)
	var out []string
	for _, key := range m.Keys() {
		e, _ := m.Get(key)
		for _, f := range e.Files {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// Sink is the write side of a store.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
}

// Unpack reads a bundle from r into dst. codec "" detects the compression
// from the stream. Entries without a digest record are rejected. Any
// index.json already in dst is removed first and only rewritten once every
// other entry has been verified and stored.
func Unpack(ctx context.Context, r io.Reader, dst Sink, codec string) (Summary, error) {
	dr, closeFn, err := decompressor(r, codec)
	if err != nil {
		return Summary{}, err
	}
	defer closeFn()
	if err := paged.Invalidate(ctx, dst); err != nil {
		return Summary{}, err
	}

	var (
		sum   Summary
		index []byte
	)
	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !fs.ValidPath(hdr.Name) {
			return sum, fmt.Errorf("%w: invalid entry name %q", ErrMalformed, hdr.Name)
		}
		want, ok := hdr.PAXRecords[PAXDigest]
		if !ok {
			return sum, fmt.Errorf("%w: %s has no digest", ErrMalformed, hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return sum, fmt.Errorf("%w: %s: %v", ErrMalformed, hdr.Name, err)
		}
		if got := digest(data); got != want {
			return sum, fmt.Errorf("%w: %s: got %s, want %s", ErrChecksum, hdr.Name, got, want)
		}
		if hdr.Name == paged.IndexName {
			index = data
			continue
		}
		if err := dst.Put(ctx, hdr.Name, data); err != nil {
			return sum, fmt.Errorf("write %s: %w", hdr.Name, err)
		}
		sum.Files++
		sum.Bytes += int64(len(data))
	}
	if index == nil {
		return sum, ErrIncomplete
	}
	if _, err := paged.ParseManifest(index); err != nil {
		return sum, err
	}
	if err := dst.Put(ctx, paged.IndexName, index); err != nil {
		return sum, fmt.Errorf("write %s: %w", paged.IndexName, err)
	}
	sum.Files++
	sum.Bytes += int64(len(index))
	return sum, nil
}

func digest(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

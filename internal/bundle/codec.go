package bundle

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codecs.
const (
	CodecZstd = "zstd"
	CodecLZ4  = "lz4"
	CodecNone = "none"
)

var ErrUnknownCodec = errors.New("bundle: unknown codec")

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// Extension returns the conventional file suffix for a codec.
func Extension(codec string) string {
	switch codec {
	case CodecZstd:
		return ".tar.zst"
	case CodecLZ4:
		return ".tar.lz4"
	default:
		return ".tar"
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, codec string, level int) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd, "":
		lvl := zstd.SpeedDefault
		if level > 0 {
			lvl = zstd.EncoderLevelFromZstd(level)
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(lvl))
	case CodecLZ4:
		zw := lz4.NewWriter(w)
		if level > 0 {
			if err := zw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
				return nil, err
			}
		}
		return zw, nil
	case CodecNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCodec, codec)
	}
}

// lz4Level maps 1..9 onto lz4.Level1..lz4.Level9.
func lz4Level(level int) lz4.CompressionLevel {
	return lz4.CompressionLevel(1 << (8 + min(level, 9)))
}

// decompressor wraps r for codec. An empty codec sniffs the stream magic.
func decompressor(r io.Reader, codec string) (io.Reader, func(), error) {
	if codec == "" {
		br := bufio.NewReader(r)
		head, err := br.Peek(4)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, nil, err
		}
		switch {
		case bytes.Equal(head, zstdMagic):
			codec = CodecZstd
		case bytes.Equal(head, lz4Magic):
			codec = CodecLZ4
		default:
			codec = CodecNone
		}
		r = br
	}
	switch codec {
	case CodecZstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case CodecLZ4:
		return lz4.NewReader(r), func() {}, nil
	case CodecNone:
		return r, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownCodec, codec)
	}
}

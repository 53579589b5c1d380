// Package wordvec loads pretrained word vectors (GloVe text format) into an
// embedding matrix and projects them to the model width.
package wordvec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/samcharles93/sdvram/internal/logger"
	"github.com/samcharles93/sdvram/internal/tensor"
)

// MinFields is the minimum number of whitespace-separated fields (token plus
// values) a line needs to be considered a vector.
const MinFields = 10

// FallbackStdDev is the standard deviation of rows synthesized for tokens the
// file does not cover.
const FallbackStdDev = 0.01

const maxLineSize = 16 << 20

var (
	ErrNoUsableVectors = errors.New("wordvec: no usable vectors")
	ErrInvalidDim      = errors.New("wordvec: invalid dimension")
	ErrShortVocab      = errors.New("wordvec: vocabulary shorter than requested")
)

// Stats counts what Load did with its input.
type Stats struct {
	Lines      int // lines read
	Malformed  int // fewer than MinFields fields
	Unparsable int // a value failed to parse
	WrongWidth int // well-formed but not Dim values wide
	Matched    int // vocabulary rows filled from the file
	Missing    int // vocabulary rows filled with random values
	Dim        int
}

// Load reads whitespace separated "token v1 v2 ..." lines from r and builds a
// len(vocab) x dim matrix, row i holding the vector of vocab[i].
//
// When dim is 0 the width of the first well-formed line is used. Rows for
// tokens absent from r are drawn from N(0, FallbackStdDev²) using rng. If no
// vocabulary token is found in r the result is ErrNoUsableVectors.
func Load(ctx context.Context, r io.Reader, vocab []string, dim int, rng *rand.Rand) (*tensor.Mat, Stats, error) {
	if dim < 0 {
		return nil, Stats{}, fmt.Errorf("%w: %d", ErrInvalidDim, dim)
	}
	log := logger.FromContext(ctx)

	want := make(map[string]int, len(vocab))
	for i, tok := range vocab {
		if _, ok := want[tok]; !ok {
			want[tok] = i
		}
	}

	st := Stats{Dim: dim}
	found := make(map[string][]float32)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for sc.Scan() {
		st.Lines++
		if st.Lines%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, st, err
			}
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < MinFields {
			st.Malformed++
			log.Debug("skipping malformed word vector line", "line", st.Lines, "fields", len(fields))
			continue
		}
		values, err := parseValues(fields[1:])
		if err != nil {
			st.Unparsable++
			log.Debug("skipping unparsable word vector line", "line", st.Lines, "error", err)
			continue
		}
		if st.Dim == 0 {
			st.Dim = len(values)
		}
		if len(values) != st.Dim {
			st.WrongWidth++
			continue
		}
		if _, ok := want[fields[0]]; ok {
			found[fields[0]] = values
		}
	}
	if err := sc.Err(); err != nil {
		return nil, st, fmt.Errorf("read word vectors: %w", err)
	}
	if len(found) == 0 || st.Dim == 0 {
		return nil, st, ErrNoUsableVectors
	}

	data := make([]float32, len(vocab)*st.Dim)
	for i, tok := range vocab {
		row := data[i*st.Dim : (i+1)*st.Dim]
		if v, ok := found[tok]; ok {
			copy(row, v)
			st.Matched++
			continue
		}
		st.Missing++
		for j := range row {
			row[j] = float32(rng.NormFloat64() * FallbackStdDev)
		}
	}
	log.Info("word vectors loaded",
		"dim", st.Dim, "matched", st.Matched, "missing", st.Missing, "malformed", st.Malformed)

	m, err := tensor.NewMat("wordvec", len(vocab), st.Dim, data)
	if err != nil {
		return nil, st, err
	}
	return m, st, nil
}

func parseValues(fields []string) ([]float32, error) {
	out := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}

// DefaultVocab returns the n single-rune tokens U+0000 ... U+(n-1).
func DefaultVocab(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune(i))
	}
	return out
}

// ReadVocab reads one token per line, keeping the first n. Blank lines are
// skipped.
func ReadVocab(r io.Reader, n int) ([]string, error) {
	out := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	for sc.Scan() && len(out) < n {
		tok := strings.TrimSpace(sc.Text())
		if tok == "" {
			continue
		}
		out = append(out, tok)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	if len(out) < n {
		return nil, fmt.Errorf("%w: %d of %d tokens", ErrShortVocab, len(out), n)
	}
	return out, nil
}

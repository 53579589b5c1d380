package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	gojson "github.com/goccy/go-json"
)

// Tensor is one F32 tensor to be written by Write.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Write encodes tensors as a little-endian F32 safetensors stream. Tensors are
// laid out in the order given; the header keeps them addressable by name.
func Write(w io.Writer, tensors []Tensor) error {
	header := make(map[string]tensorHeader, len(tensors))
	var offset int64
	for _, t := range tensors {
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("safetensors: duplicate tensor %s", t.Name)
		}
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, n, len(t.Data))
		}
		end := offset + int64(n)*4
		header[t.Name] = tensorHeader{
			DType:       "F32",
			Shape:       t.Shape,
			DataOffsets: []int64{offset, end},
		}
		offset = end
	}
	headerBytes, err := gojson.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}

	bw := bufio.NewWriter(w)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(headerBytes); err != nil {
		return err
	}
	var word [4]byte
	for _, t := range tensors {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			if _, err := bw.Write(word[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

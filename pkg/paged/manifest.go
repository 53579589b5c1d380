package paged

import (
	"bytes"
	"fmt"
	"sync"

	gojson "github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// IndexName is the manifest artifact; its presence marks a complete export.
const IndexName = "index.json"

// ShapeKey is the manifest key holding the [rows, cols] of tensor name.
func ShapeKey(name string) string { return name + "_shape" }

// MaskKey is both the manifest key and the artifact name of a tensor's mask.
func MaskKey(name string) string { return name + ".mask" }

// Entry is one manifest value: either an ordered file list or a 2D shape.
type Entry struct {
	Files []string
	Shape []int
}

func FilesEntry(files ...string) Entry {
	if files == nil {
		files = []string{}
	}
	return Entry{Files: files}
}

func ShapeEntry(rows, cols int) Entry { return Entry{Shape: []int{rows, cols}} }

// IsShape reports whether e holds a shape rather than a file list.
func (e Entry) IsShape() bool { return e.Shape != nil }

func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Shape != nil {
		return gojson.Marshal(e.Shape)
	}
	if e.Files == nil {
		return []byte("[]"), nil
	}
	return gojson.Marshal(e.Files)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw []gojson.RawMessage
	if err := gojson.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: manifest value %s", ErrCorruptExport, data)
	}
	if len(raw) > 0 && len(raw[0]) > 0 && raw[0][0] != '"' {
		var shape []int
		if err := gojson.Unmarshal(data, &shape); err != nil {
			return fmt.Errorf("%w: shape %s: %v", ErrCorruptExport, data, err)
		}
		if len(shape) != 2 {
			return fmt.Errorf("%w: shape %v is not 2D", ErrCorruptExport, shape)
		}
		*e = Entry{Shape: shape}
		return nil
	}
	files := []string{}
	if err := gojson.Unmarshal(data, &files); err != nil {
		return fmt.Errorf("%w: file list %s: %v", ErrCorruptExport, data, err)
	}
	*e = Entry{Files: files}
	return nil
}

// Manifest accumulates artifact keys in insertion order. Every key is
// registered at most once; Finalize serializes it and closes it for writes.
type Manifest struct {
	mu        sync.Mutex
	entries   *orderedmap.OrderedMap[string, Entry]
	finalized bool
}

func NewManifest() *Manifest {
	return &Manifest{entries: orderedmap.New[string, Entry]()}
}

func (m *Manifest) Register(key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return fmt.Errorf("register %q: %w", key, ErrManifestFinalized)
	}
	if _, ok := m.entries.Get(key); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	m.entries.Set(key, e)
	return nil
}

func (m *Manifest) Get(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Get(key)
}

func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// Keys returns the keys in insertion order.
func (m *Manifest) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, m.entries.Len())
	for p := m.entries.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Finalize returns the manifest as two-space indented JSON. It may be called once.
func (m *Manifest) Finalize() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return nil, ErrManifestFinalized
	}
	m.finalized = true
	raw, err := gojson.Marshal(m.entries)
	if err != nil {
		return nil, fmt.Errorf("paged: encode manifest: %w", err)
	}
	var out bytes.Buffer
	if err := gojson.Indent(&out, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("paged: indent manifest: %w", err)
	}
	return out.Bytes(), nil
}

// ParseManifest decodes a finalized manifest, keeping its key order.
// The result is read-only.
func ParseManifest(data []byte) (*Manifest, error) {
	om := orderedmap.New[string, Entry]()
	if err := gojson.Unmarshal(data, om); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptExport, err)
	}
	return &Manifest{entries: om, finalized: true}, nil
}

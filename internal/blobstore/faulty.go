package blobstore

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is the default failure returned by Faulty.
var ErrInjected = errors.New("blobstore: injected failure")

// Faulty wraps a Store and fails the failAt-th Put (1-based) and every Put
// after it. Reads, lists and deletes pass through.
type Faulty struct {
	Store

	mu     sync.Mutex
	puts   int
	failAt int
	err    error
}

func NewFaulty(inner Store, failAt int, err error) *Faulty {
	if err == nil {
		err = ErrInjected
	}
	return &Faulty{Store: inner, failAt: failAt, err: err}
}

func (f *Faulty) Put(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	f.puts++
	fail := f.failAt > 0 && f.puts >= f.failAt
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.Store.Put(ctx, name, data)
}

// Puts is the number of Put calls seen, failed ones included.
func (f *Faulty) Puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

package blobstore

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle bounds the bytes per second written through a Store.
type Throttle struct {
	Store
	limiter *rate.Limiter
}

// NewThrottle limits Put traffic to bytesPerSec. A non-positive rate
// returns inner unchanged.
func NewThrottle(inner Store, bytesPerSec int) Store {
	if bytesPerSec <= 0 {
		return inner
	}
	return &Throttle{
		Store:   inner,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec),
	}
}

func (t *Throttle) Put(ctx context.Context, name string, data []byte) error {
	// WaitN rejects requests larger than the burst, so wait in burst-sized steps.
	burst := t.limiter.Burst()
	for n := len(data); n > 0; n -= burst {
		if err := t.limiter.WaitN(ctx, min(n, burst)); err != nil {
			return err
		}
	}
	return t.Store.Put(ctx, name, data)
}

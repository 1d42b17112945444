package backfill

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit configures snapshot-side row throughput. A nil RowsPerSecond
// means unlimited. Zero means fully paused: no snapshot rows are emitted,
// while changelog forwarding continues unaffected.
type RateLimit struct {
	RowsPerSecond *uint32
}

// Unlimited returns an unset rate limit.
func Unlimited() RateLimit {
	return RateLimit{}
}

// RowsPerSecond returns a rate limit of n snapshot rows per second.
func RowsPerSecond(n uint32) RateLimit {
	return RateLimit{RowsPerSecond: &n}
}

func (r RateLimit) paused() bool {
	return r.RowsPerSecond != nil && *r.RowsPerSecond == 0
}

// Limiter is a token bucket over snapshot rows. Acquire suspends only the
// calling goroutine (the snapshot prefetch path); the changelog path never
// goes through it. Limit changes take effect on the next permit request.
type Limiter struct {
	mu     sync.Mutex
	bucket *rate.Limiter
	paused bool
	resume chan struct{}
}

// NewLimiter creates a limiter with the given initial configuration.
func NewLimiter(cfg RateLimit) *Limiter {
	l := &Limiter{
		bucket: rate.NewLimiter(rate.Inf, 0),
		resume: make(chan struct{}),
	}
	l.Set(cfg)
	return l
}

// Set reconfigures the limiter. A paused limiter whose rate becomes positive
// wakes all goroutines blocked in Acquire.
func (l *Limiter) Set(cfg RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cfg.paused() {
		if !l.paused {
			l.paused = true
			l.resume = make(chan struct{})
		}
		return
	}

	if cfg.RowsPerSecond == nil {
		l.bucket.SetLimit(rate.Inf)
		l.bucket.SetBurst(0)
	} else {
		n := int(*cfg.RowsPerSecond)
		l.bucket.SetLimit(rate.Limit(n))
		l.bucket.SetBurst(n)
	}

	if l.paused {
		l.paused = false
		close(l.resume)
	}
}

// Acquire blocks until n rows may be emitted, or ctx is done. With a paused
// limiter it waits for a configuration change; tokens never accrue.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	for {
		l.mu.Lock()
		if l.paused {
			resume := l.resume
			l.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-resume:
				continue
			}
		}
		bucket := l.bucket
		burst := bucket.Burst()
		l.mu.Unlock()

		if bucket.Limit() == rate.Inf {
			return nil
		}

		// WaitN caps requests at the burst size; larger chunks draw down the
		// bucket in burst-sized steps.
		for n > 0 {
			step := n
			if burst > 0 && step > burst {
				step = burst
			}
			if err := bucket.WaitN(ctx, step); err != nil {
				return err
			}
			n -= step
		}
		return nil
	}
}

package pool

import (
	"math/rand"
	"sync"
	"time"
)

// backoff produces reconnect delays: exponential growth with a cap and full
// jitter in [delay/2, delay], reset to the base after one successful
// connection.
type backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	current time.Duration
	adjust  bool
}

func newBackoff(base time.Duration, adjust bool) *backoff {
	if base < MinRetryInterval {
		base = MinRetryInterval
	}
	return &backoff{
		base:    base,
		max:     MaxRetryInterval,
		current: base,
		adjust:  adjust,
	}
}

// next returns the delay to wait before the next attempt and advances the
// curve.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.current
	if b.adjust {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// reset returns the curve to the base delay.
func (b *backoff) reset() {
	b.mu.Lock()
	b.current = b.base
	b.mu.Unlock()
}

// delay reports the next delay without jitter, for status inspection.
func (b *backoff) delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

package gateway

import (
	"sync"
	"time"
)

// bucket is a token bucket: capacity and refill rate both equal the
// per-second message allowance, so a connection can burst one second's
// worth and then is held to the steady rate.
type bucket struct {
	mu     sync.Mutex
	tokens float64
	max    float64
	rate   float64
	last   time.Time
}

func newBucket(perSec int, now time.Time) *bucket {
	return &bucket{
		tokens: float64(perSec),
		max:    float64(perSec),
		rate:   float64(perSec),
		last:   now,
	}
}

func (b *bucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.max {
			b.tokens = b.max
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

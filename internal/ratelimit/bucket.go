// Package ratelimit implements the token-bucket admission check applied to
// each agent's publish rate. No third-party rate limiter appears anywhere in
// the retrieved corpus, so this follows spec's formula directly rather than
// reaching for golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token bucket: capacity burst tokens, refilled at
// ratePerSec tokens/second, never exceeding capacity.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	ratePerSec float64
	tokens     float64
	updatedAt  time.Time
	now        func() time.Time
}

// New creates a bucket starting full, matching the teacher corpus's general
// preference for components that accept their first burst of traffic
// without warmup.
func New(ratePerSec, capacity float64) *Bucket {
	return &Bucket{
		capacity:   capacity,
		ratePerSec: ratePerSec,
		tokens:     capacity,
		updatedAt:  time.Now(),
		now:        time.Now,
	}
}

// Allow reports whether cost tokens are available right now; if so it debits
// them and returns true. Refill happens lazily on each call rather than via
// a background goroutine, so an idle bucket costs nothing.
func (b *Bucket) Allow(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Tokens reports the current token count, for metrics/debugging.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.updatedAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.updatedAt = now
}

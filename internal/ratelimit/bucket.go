package ratelimit

import (
	"sync"
	"time"
)

// Bucket implements token bucket rate limiting. Capacity doubles as the
// per-minute budget; tokens refill continuously.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a full bucket holding perMinute tokens.
func NewBucket(perMinute float64) *Bucket {
	return newBucketWithClock(perMinute, time.Now)
}

func newBucketWithClock(perMinute float64, now func() time.Time) *Bucket {
	return &Bucket{
		tokens:     perMinute,
		maxTokens:  perMinute,
		refillRate: perMinute / 60,
		lastRefill: now(),
		now:        now,
	}
}

// Reserve charges n tokens and returns how long the caller must wait before
// proceeding. The balance may go negative, so later reservations queue
// behind earlier ones in arrival order. Requests larger than the bucket are
// clamped to its capacity so they cannot wait forever.
func (b *Bucket) Reserve(n float64) time.Duration {
	if n <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.maxTokens {
		n = b.maxTokens
	}

	b.refill()
	b.tokens -= n
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / b.refillRate * float64(time.Second))
}

// Cancel returns the tokens of a reservation that was abandoned before its
// wait elapsed.
func (b *Bucket) Cancel(n float64) {
	if n <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.maxTokens {
		n = b.maxTokens
	}
	b.refill()
	b.tokens += n
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current balance. It is negative while reservations
// are outstanding.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

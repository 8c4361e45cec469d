// Package ratelimit throttles the public wallet-facing API per client.
package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks the token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Result is the outcome of one Take.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time     // when the bucket is full again
	RetryAfter time.Duration // until the next token; zero when allowed
}

// Limiter implements a token-bucket rate limiter keyed by arbitrary strings
// such as client IPs.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter that allows rate requests per window for each key.
func New(rate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// Take consumes a token for key if one is available. The returned Result
// reflects the bucket after the attempt.
func (l *Limiter) Take(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.rate), lastRefill: now}
		l.buckets[key] = b
	}
	l.refill(b, now)

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	res := Result{
		Allowed:   allowed,
		Limit:     l.rate,
		Remaining: max(int(b.tokens), 0),
		ResetAt:   l.resetAt(b, now),
	}
	if !allowed && l.rate > 0 {
		res.RetryAfter = time.Duration((1 - b.tokens) / l.perSecond() * float64(time.Second))
	}
	return res
}

// Prune drops buckets that have been refilled to capacity and untouched for
// at least idle. It returns the number removed.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) < idle {
			continue
		}
		l.refill(b, now)
		if b.tokens >= float64(l.rate) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// refill adds tokens accrued since the last refill, capped at the rate.
// Must be called with l.mu held.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * l.perSecond()
	if b.tokens > float64(l.rate) {
		b.tokens = float64(l.rate)
	}
	b.lastRefill = now
}

func (l *Limiter) resetAt(b *bucket, now time.Time) time.Time {
	deficit := float64(l.rate) - b.tokens
	if deficit <= 0 || l.rate <= 0 {
		return now
	}
	return now.Add(time.Duration(deficit / l.perSecond() * float64(time.Second)))
}

func (l *Limiter) perSecond() float64 {
	return float64(l.rate) / l.window.Seconds()
}

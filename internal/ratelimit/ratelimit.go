// Package ratelimit throttles callers of the admin surface with an
// in-process token bucket per client.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter allows rate requests per window for each key, refilling
// continuously. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter. A rate <= 0 allows everything.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *Limiter) Enabled() bool { return l.rate > 0 && l.window > 0 }

// perSecond is the refill speed in tokens per second.
func (l *Limiter) perSecond() float64 {
	return float64(l.rate) / l.window.Seconds()
}

// take refills key's bucket and returns it. Must be called with l.mu held.
func (l *Limiter) take(key string) *bucket {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.rate), lastSeen: now}
		l.buckets[key] = b
		return b
	}
	if elapsed := now.Sub(b.lastSeen).Seconds(); elapsed > 0 {
		b.tokens = math.Min(float64(l.rate), b.tokens+elapsed*l.perSecond())
	}
	b.lastSeen = now
	return b
}

// Allow consumes one token for key. When none is left it reports false and
// how long until the next token arrives.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.take(key)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := (1 - b.tokens) / l.perSecond()
	return false, time.Duration(wait * float64(time.Second))
}

// Remaining returns the whole tokens left for key.
func (l *Limiter) Remaining(key string) int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.take(key).tokens)
}

// Prune drops buckets that have refilled completely, since a fresh bucket
// behaves identically. It returns how many were removed.
func (l *Limiter) Prune() int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if b.tokens+now.Sub(b.lastSeen).Seconds()*l.perSecond() >= float64(l.rate) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Package ratelimit throttles job submissions per client identity.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps a token bucket per client identity. Buckets idle for
// longer than the refill period are forgotten by Prune.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type limiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// New allows perMinute submissions per identity with the given burst. A
// non-positive perMinute disables limiting.
func New(perMinute, burst int) *RateLimiter {
	l := rate.Inf
	if perMinute > 0 {
		l = rate.Limit(float64(perMinute) / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiter),
		limit:    l,
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether identity may submit now, consuming a token if so.
func (rl *RateLimiter) Allow(identity string) bool {
	if rl.limit == rate.Inf {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	l, ok := rl.limiters[identity]
	if !ok {
		l = &limiter{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[identity] = l
	}
	l.lastSeen = now
	rl.mu.Unlock()

	return l.bucket.AllowN(now, 1)
}

// Prune forgets identities not seen within idle and returns how many were
// removed.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for id, l := range rl.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(rl.limiters, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identities.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

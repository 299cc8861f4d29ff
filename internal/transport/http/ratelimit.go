package http

import (
	"sync"
	"time"
)

// rateLimiter counts requests per key in fixed one-minute windows.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	start   time.Time
	counter map[string]int
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  time.Minute,
		now:     time.Now,
		counter: make(map[string]int),
	}
}

func (r *rateLimiter) allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Sub(r.start) >= r.window {
		r.start = now
		clear(r.counter)
	}
	r.counter[key]++
	return r.counter[key] <= r.limit
}

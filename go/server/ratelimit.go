package server

import (
	"sync"
	"time"
)

// Wire message admission is capped per source address.
const (
	rateLimitMax    = 30
	rateLimitWindow = time.Minute
)

// rateLimiter tracks request timestamps per client over a sliding window.
type rateLimiter struct {
	max    int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// allow records one request from |key| and reports whether it fits the
// window. Expired timestamps are pruned on every call, so idle clients
// cost nothing once their window drains.
func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var now = time.Now()
	var cutoff = now.Add(-l.window)
	var kept = l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

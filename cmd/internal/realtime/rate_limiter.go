package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by user (or session before authentication).
type RateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration

	lastSweep time.Time
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event for key at time "now" should be permitted.
func (r *RateLimiter) Allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	if now.Sub(r.lastSweep) > r.window {
		r.sweepLocked(cut)
		r.lastSweep = now
	}

	events := r.events[key]
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}

	if len(dst) >= r.limit {
		r.events[key] = dst
		return false
	}
	r.events[key] = append(dst, now)
	return true
}

// sweepLocked drops keys whose events are all outside the window.
func (r *RateLimiter) sweepLocked(cut time.Time) {
	for key, events := range r.events {
		if len(events) == 0 || !events[len(events)-1].After(cut) {
			delete(r.events, key)
		}
	}
}

// Keys returns the number of tracked keys.
func (r *RateLimiter) Keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

package gateway

import (
	"sync"
	"time"
)

// RateLimiter implements per-client sliding-window rate limiting.
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	requests          []time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute calls in
// any one-minute window.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		requests:          make([]time.Time, 0),
	}
}

// Allow records and admits a request, or rejects it when the window is
// full.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	valid := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.requests = valid

	if len(r.requests) >= r.requestsPerMinute {
		return false
	}

	r.requests = append(r.requests, time.Now())
	return true
}

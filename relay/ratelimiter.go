package relay

import (
	"sync"
	"time"
)

// RateLimiter is a simple token bucket used for outbound flood control.
// It refills continuously rather than in discrete ticks so a burst right
// after a quiet period isn't penalized for the whole next window.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time
}

// NewRateLimiter builds a limiter allowing perMinute events steady-state,
// with a burst capacity equal to perMinute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimiter{
		capacity:   float64(perMinute),
		tokens:     float64(perMinute),
		refillRate: float64(perMinute) / 60.0,
		last:       time.Now(),
	}
}

// Allow reports whether an event may be sent now, consuming one token if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.last).Seconds()
	r.last = now
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

package hub

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages per-user token bucket rate limiters. Each username
// gets its own limiter created on first message.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a rate limiter with the given sustained rate
// and burst size.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Allow checks if the given username is under the rate limit.
// Returns true if allowed, false if rate-limited.
// The limiter for a given username is created lazily on first call.
func (rl *RateLimiter) Allow(username string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[username]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[username] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// Remove deletes the limiter for the given username.
// Call on client disconnect to prevent memory leaks.
func (rl *RateLimiter) Remove(username string) {
	rl.mu.Lock()
	delete(rl.limiters, username)
	rl.mu.Unlock()
}

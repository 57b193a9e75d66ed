package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// minThrottledRPS is the floor Throttle will never go below, so a burst of
// 429s cannot stall a run forever.
const minThrottledRPS = 0.2

// RateLimiter provides thread-safe rate limiting with dynamically adjustable limits.
// It paces calls to remote APIs (the issue tracker in particular) and lets the
// caller slow down when the remote side starts rejecting requests.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex // Protects concurrent access to the limiter
}

// NewRateLimiter creates a RateLimiter with the specified requests per second (rps)
// and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits dynamically adjusts the rate limiter's requests per second and burst size.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}

// Throttle halves the current rate, bounded below by minThrottledRPS, and
// drops the burst to one. Called after the remote API answers 429.
func (rl *RateLimiter) Throttle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := float64(rl.limiter.Limit()) / 2
	if next < minThrottledRPS {
		next = minThrottledRPS
	}
	rl.limiter.SetLimit(rate.Limit(next))
	rl.limiter.SetBurst(1)
}

// Limit reports the current requests-per-second limit.
func (rl *RateLimiter) Limit() float64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return float64(rl.limiter.Limit())
}

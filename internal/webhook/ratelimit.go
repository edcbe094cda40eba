package webhook

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimitConfig configures per-IP fixed-window rate limiting for the
// webhook endpoints.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window per key.
	Max int
	// Window is the fixed window length.
	Window time.Duration
	// SweepInterval is how often expired buckets are removed.
	SweepInterval time.Duration
}

// DefaultRateLimitConfig matches the carrier webhook profile: 60 requests
// per 60-second window per source IP.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Max:           60,
		Window:        60 * time.Second,
		SweepInterval: 5 * time.Minute,
	}
}

// bucket tracks one key's count within the current window.
type bucket struct {
	count         int
	windowResetAt time.Time
}

// RateLimiter is a per-key fixed-window counter. It is advisory abuse
// protection, not a correctness mechanism: state is in-process and lost on
// restart, which is acceptable for a denial-of-service mitigation.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
	stopCh  chan struct{}
	nowFunc func() time.Time // injectable for testing
}

// NewRateLimiter creates a rate limiter and starts background sweeping.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		nowFunc: time.Now,
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request under the given key fits the current
// window. The first request of a new window resets the count to 1.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || now.After(b.windowResetAt) {
		rl.buckets[key] = &bucket{count: 1, windowResetAt: now.Add(rl.cfg.Window)}
		return true
	}

	b.count++
	return b.count <= rl.cfg.Max
}

// Size returns the number of live buckets, for metrics.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop terminates the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

// sweep removes buckets whose window has expired, to bound memory.
func (rl *RateLimiter) sweep() {
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, b := range rl.buckets {
		if now.After(b.windowResetAt) {
			delete(rl.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("webhook rate limiter sweep", "removed", removed, "remaining", len(rl.buckets))
	}
}

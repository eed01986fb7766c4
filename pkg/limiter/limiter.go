package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	limit        rate.Limit
	burst        int
	cleanupAfter time.Duration // how long to keep idle buckets in memory
	now          func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter that refills requestsPerMinute tokens a
// minute into buckets holding at most burst tokens.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		limit:        rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:        burst,
		cleanupAfter: 3 * time.Minute,
		now:          time.Now,
	}
}

// Allow checks if the given key can perform an action
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	return rl.bucketLocked(key, now).AllowN(now, 1)
}

// RemainingTokens returns the number of whole tokens left for a key
func (rl *RateLimiter) RemainingTokens(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		return rl.burst
	}

	tokens := int(b.limiter.TokensAt(rl.now()))
	if tokens < 0 {
		return 0
	}
	return tokens
}

// NextAvailable returns the duration until the next token becomes available
func (rl *RateLimiter) NextAvailable(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		return 0
	}

	now := rl.now()
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

func (rl *RateLimiter) bucketLocked(key string, now time.Time) *rate.Limiter {
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Run removes idle buckets every minute until ctx is cancelled
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.cleanupAfter {
			delete(rl.buckets, key)
		}
	}
}

package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps tracked clients so rotating source addresses cannot
// exhaust memory.
const maxTrackedKeys = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-client token bucket. Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiter allows rpm requests per minute per key with the given burst.
// rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	rl := &RateLimiter{entries: make(map[string]*limiterEntry), burst: burst, now: time.Now}
	if rpm > 0 {
		rl.limit = rate.Limit(float64(rpm) / 60)
		if burst <= 0 {
			rl.burst = 1
		}
	}
	return rl
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.limit > 0 }

// Allow reports whether key may make a request now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.entries) >= maxTrackedKeys {
		r.pruneLocked(now)
	}
	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// pruneLocked drops idle keys, then evicts arbitrary ones if still at the cap.
func (r *RateLimiter) pruneLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= time.Minute {
			delete(r.entries, k)
		}
	}
	for len(r.entries) >= maxTrackedKeys {
		for k := range r.entries {
			delete(r.entries, k)
			break
		}
	}
}

// Tracked returns the number of keys currently held.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

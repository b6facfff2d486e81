package analysis

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-key token bucket built on golang.org/x/time/rate
// (one rate.Limiter per key); it guards the Analysis API's own routes (spec.md §6):
// POST /api/analyses at 15/min, GET routes at 100/min.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing requestsPerMinute sustained
// throughput per key, with a full-minute burst allowance.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    requestsPerMinute,
	}
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l
}

// Decision is the outcome of a rate check, carrying the header values
// spec.md's Analysis API exposes (X-RateLimit-Limit/Remaining/Reset, and
// Retry-After when denied).
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// Allow consumes one token for key and reports the resulting decision.
func (r *RateLimiter) Allow(key string) Decision {
	l := r.limiterFor(key)
	now := time.Now()
	reservation := l.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{Allowed: false, Limit: r.burst}
	}

	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.Cancel()
		return Decision{
			Allowed:    false,
			Limit:      r.burst,
			Remaining:  0,
			RetryAfter: delay,
		}
	}

	remaining := int(l.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    true,
		Limit:      r.burst,
		Remaining:  remaining,
		ResetAfter: time.Second, // token bucket refills continuously; next slot is ~1s out
	}
}

package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsUpToBurstThenDenies(t *testing.T) {
	limiter := NewRateLimiter(60) // 1/sec, burst 60

	for i := 0; i < 60; i++ {
		decision := limiter.Allow("key-a")
		assert.True(t, decision.Allowed, "request %d should be allowed within burst", i)
	}

	decision := limiter.Allow("key-a")
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter.Seconds(), 0.0)
}

func TestRateLimiter_TracksKeysIndependently(t *testing.T) {
	limiter := NewRateLimiter(1)

	first := limiter.Allow("key-a")
	assert.True(t, first.Allowed)

	other := limiter.Allow("key-b")
	assert.True(t, other.Allowed, "a different key must have its own bucket")
}

func TestRateLimiter_ReportsLimitInDecision(t *testing.T) {
	limiter := NewRateLimiter(15)
	decision := limiter.Allow("key-a")
	assert.Equal(t, 15, decision.Limit)
}

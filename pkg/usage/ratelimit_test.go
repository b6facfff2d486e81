package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/llmproxy/pkg/usage"
)

func TestClassifyRateLimitError_ParsesLimitTypeAndRetryAfter(t *testing.T) {
	now := time.Now()

	limitType, retryUntil := usage.ClassifyRateLimitError(
		"Rate limit exceeded for tokens per minute. Retry after: 30", now)
	assert.Equal(t, usage.LimitTypeTokensPerMinute, limitType)
	require.NotNil(t, retryUntil)
	assert.WithinDuration(t, now.Add(30*time.Second), *retryUntil, time.Second)
}

func TestClassifyRateLimitError_UnknownTextClassifiesAsUnknown(t *testing.T) {
	limitType, retryUntil := usage.ClassifyRateLimitError("something went wrong", time.Now())
	assert.Equal(t, usage.LimitTypeUnknown, limitType)
	assert.Nil(t, retryUntil)
}

func TestTracker_RecordRateLimitHit_CreatesThenIncrementsSummary(t *testing.T) {
	tracker, client := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()

	retryUntil := now.Add(time.Minute)
	require.NoError(t, tracker.RecordRateLimitHit(ctx, "acct-1", usage.LimitTypeRequestsPerMinute, &retryUntil, now))
	require.NoError(t, tracker.RecordRateLimitHit(ctx, "acct-1", usage.LimitTypeTokensPerMinute, nil, now.Add(time.Second)))

	summary, err := client.RateLimitSummary.Query().Only(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalHits)
	assert.Equal(t, "tokens_per_minute", string(summary.LastLimitType))
}

package usage

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codeready-toolchain/llmproxy/ent"
	"github.com/codeready-toolchain/llmproxy/ent/ratelimitsummary"
)

// LimitType is the parsed classification of an upstream rate-limit error
// (spec.md §3 "Rate-limit summary").
type LimitType string

const (
	LimitTypeTokensPerMinute   LimitType = "tokens_per_minute"
	LimitTypeRequestsPerMinute LimitType = "requests_per_minute"
	LimitTypeTokensPerDay      LimitType = "tokens_per_day"
	LimitTypeUnknown           LimitType = "unknown"
)

// retryAfterPattern matches a "retry after N seconds" style clause in
// upstream rate-limit error bodies.
var retryAfterPattern = regexp.MustCompile(`(?i)retry[\s_-]?after[:\s]+(\d+)`)

// ClassifyRateLimitError parses an upstream rate-limit error's text into a
// LimitType and a retry-until time. now is the time the error was observed.
func ClassifyRateLimitError(errorText string, now time.Time) (LimitType, *time.Time) {
	limitType := classifyLimitType(errorText)

	var retryUntil *time.Time
	if m := retryAfterPattern.FindStringSubmatch(errorText); m != nil {
		if seconds, err := strconv.Atoi(m[1]); err == nil {
			t := now.Add(time.Duration(seconds) * time.Second)
			retryUntil = &t
		}
	}
	return limitType, retryUntil
}

func classifyLimitType(errorText string) LimitType {
	switch {
	case containsAny(errorText, "tokens per day", "tokens_per_day", "daily token"):
		return LimitTypeTokensPerDay
	case containsAny(errorText, "tokens per minute", "tokens_per_minute", "token rate"):
		return LimitTypeTokensPerMinute
	case containsAny(errorText, "requests per minute", "requests_per_minute", "request rate"):
		return LimitTypeRequestsPerMinute
	default:
		return LimitTypeUnknown
	}
}

func containsAny(haystack string, needles ...string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// RecordRateLimitHit ingests one observed upstream rate-limit error,
// incrementing the account's rate_limit_summaries row (creating it on the
// first hit), per spec.md §4.6.
func (t *Tracker) RecordRateLimitHit(ctx context.Context, accountID string, limitType LimitType, retryUntil *time.Time, now time.Time) error {
	existing, err := t.client.RateLimitSummary.Query().
		Where(ratelimitsummary.AccountIDEQ(accountID)).
		Only(ctx)
	if err != nil && !ent.IsNotFound(err) {
		return fmt.Errorf("usage: query rate limit summary for %s: %w", accountID, err)
	}

	if ent.IsNotFound(err) {
		create := t.client.RateLimitSummary.Create().
			SetAccountID(accountID).
			SetFirstTriggerAt(now).
			SetLastTriggerAt(now).
			SetTotalHits(1).
			SetLastLimitType(ratelimitsummary.LastLimitType(limitType))
		if retryUntil != nil {
			create = create.SetRetryUntil(*retryUntil)
		}
		if err := create.Exec(ctx); err != nil {
			return fmt.Errorf("usage: create rate limit summary for %s: %w", accountID, err)
		}
		return nil
	}

	update := t.client.RateLimitSummary.UpdateOneID(existing.ID).
		SetLastTriggerAt(now).
		SetTotalHits(existing.TotalHits + 1).
		SetLastLimitType(ratelimitsummary.LastLimitType(limitType))
	if retryUntil != nil {
		update = update.SetRetryUntil(*retryUntil)
	}
	if err := update.Exec(ctx); err != nil {
		return fmt.Errorf("usage: update rate limit summary for %s: %w", accountID, err)
	}
	return nil
}

// Package usage is the Token Usage Tracker (spec.md §4.6): per-account
// counters derived from persisted request records, with no separate
// counters table — every aggregate is a query over api_requests.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/llmproxy/ent"
	"github.com/codeready-toolchain/llmproxy/ent/apirequest"
)

// DefaultWindowMinutes is spec.md §4.6's currentWindow default.
const DefaultWindowMinutes = 300

// Usage is the aggregate returned by CurrentWindow: summed token counters
// for one account over a rolling window ending now.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	RequestCount        int
}

// DailyUsage is one day's aggregate within a DailyUsage(days) horizon.
type DailyUsage struct {
	Day          time.Time
	InputTokens  int
	OutputTokens int
	RequestCount int
}

// Tracker computes usage aggregates directly from the APIRequest table.
// record() itself is a no-op: the Proxy Pipeline's writer.CompleteResponse
// already persists every request's token counters, so Tracker never holds
// its own counters — it only reads.
type Tracker struct {
	client *ent.Client
}

// NewTracker wraps an ent client for read-only usage aggregation.
func NewTracker(client *ent.Client) *Tracker {
	return &Tracker{client: client}
}

// Record is a documented no-op: the Proxy Pipeline's write path already
// persists every counter passed here onto the request's own api_requests
// row via storage.Writer.CompleteResponse, and CurrentWindow/DailyUsage
// read straight from that table. Record exists so callers can name the
// spec.md §4.6 operation explicitly at the call site even though there is
// no separate counters table to update.
func (t *Tracker) Record(_ context.Context, _ RecordedUsage) {}

// RecordedUsage is the event shape spec.md §4.6's record() takes.
type RecordedUsage struct {
	AccountID           string
	Domain              string
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	Timestamp           time.Time
}

// CurrentWindow returns the sum of token counters over the last
// windowMinutes ending now (spec.md §4.6). windowMinutes <= 0 uses
// DefaultWindowMinutes.
func (t *Tracker) CurrentWindow(ctx context.Context, accountID string, windowMinutes int) (Usage, error) {
	if windowMinutes <= 0 {
		windowMinutes = DefaultWindowMinutes
	}
	since := time.Now().Add(-time.Duration(windowMinutes) * time.Minute)

	rows, err := t.client.APIRequest.Query().
		Where(
			apirequest.AccountIDEQ(accountID),
			apirequest.TimestampGTE(since),
		).
		All(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("usage: query current window: %w", err)
	}

	var u Usage
	for _, row := range rows {
		u.RequestCount++
		if row.InputTokens != nil {
			u.InputTokens += *row.InputTokens
		}
		if row.OutputTokens != nil {
			u.OutputTokens += *row.OutputTokens
		}
		if row.CacheCreationTokens != nil {
			u.CacheCreationTokens += *row.CacheCreationTokens
		}
		if row.CacheReadTokens != nil {
			u.CacheReadTokens += *row.CacheReadTokens
		}
	}
	return u, nil
}

// DailyUsage returns per-day aggregates over the last `days` days, most
// recent day last.
func (t *Tracker) DailyUsage(ctx context.Context, accountID string, days int) ([]DailyUsage, error) {
	if days <= 0 {
		days = 1
	}
	since := time.Now().AddDate(0, 0, -days)

	rows, err := t.client.APIRequest.Query().
		Where(
			apirequest.AccountIDEQ(accountID),
			apirequest.TimestampGTE(since),
		).
		Order(ent.Asc(apirequest.FieldTimestamp)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("usage: query daily usage: %w", err)
	}

	byDay := make(map[time.Time]*DailyUsage)
	order := make([]time.Time, 0, days)
	for _, row := range rows {
		day := row.Timestamp.Truncate(24 * time.Hour)
		agg, ok := byDay[day]
		if !ok {
			agg = &DailyUsage{Day: day}
			byDay[day] = agg
			order = append(order, day)
		}
		agg.RequestCount++
		if row.InputTokens != nil {
			agg.InputTokens += *row.InputTokens
		}
		if row.OutputTokens != nil {
			agg.OutputTokens += *row.OutputTokens
		}
	}

	out := make([]DailyUsage, 0, len(order))
	for _, day := range order {
		out = append(out, *byDay[day])
	}
	return out, nil
}

package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// RateLimitSummary holds the schema definition for a per-account rolling
// summary of upstream rate-limit errors.
type RateLimitSummary struct {
	ent.Schema
}

// Fields of the RateLimitSummary.
func (RateLimitSummary) Fields() []ent.Field {
	return []ent.Field{
		field.Int("id"),
		field.String("account_id").
			Immutable(),
		field.Time("first_trigger_at").
			Default(time.Now).
			Immutable(),
		field.Time("last_trigger_at").
			Default(time.Now).
			UpdateDefault(time.Now),
		field.Time("retry_until").
			Optional().
			Nillable(),
		field.Int("total_hits").
			Default(0),
		field.Enum("last_limit_type").
			Values("tokens_per_minute", "requests_per_minute", "tokens_per_day", "unknown").
			Default("unknown"),
	}
}

// Indexes of the RateLimitSummary.
func (RateLimitSummary) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("account_id").
			Unique(),
	}
}

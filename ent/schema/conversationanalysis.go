package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ConversationAnalysis holds the schema definition for the Analysis Worker's
// job queue row. At most one row exists per (conversation_id, branch_id).
type ConversationAnalysis struct {
	ent.Schema
}

// Fields of the ConversationAnalysis.
func (ConversationAnalysis) Fields() []ent.Field {
	return []ent.Field{
		field.Int("id"),
		field.String("conversation_id").
			Immutable(),
		field.String("branch_id").
			Default("main").
			Immutable(),
		field.Enum("status").
			Values("pending", "processing", "completed", "failed").
			Default("pending"),
		field.Int("attempt_count").
			Default(0),
		field.Text("last_error").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
		field.Time("processing_started_at").
			Optional().
			Nillable().
			Comment("Set on claim, used for stuck-job reclaim"),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Text("result_markdown").
			Optional().
			Nillable(),
		field.JSON("result_structured", map[string]interface{}{}).
			Optional().
			Comment("Parsed structured analysis object per the declared schema"),
		field.Int("input_tokens").
			Optional().
			Nillable(),
		field.Int("output_tokens").
			Optional().
			Nillable(),
		field.String("model_used").
			Optional().
			Nillable(),
		field.Int("duration_ms").
			Optional().
			Nillable(),
		field.Text("custom_prompt").
			Optional().
			Nillable().
			Comment("Set on regenerate when the caller supplies one"),
	}
}

// Indexes of the ConversationAnalysis.
func (ConversationAnalysis) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("conversation_id", "branch_id").
			Unique(),
		index.Fields("status", "created_at").
			Comment("claim protocol: oldest pending first"),
		index.Fields("status", "processing_started_at").
			Comment("reclaim protocol: stuck processing rows"),
	}
}

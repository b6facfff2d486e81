package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// APIRequest holds the schema definition for a single proxied request/response
// exchange, including its computed conversation-linkage fields.
type APIRequest struct {
	ent.Schema
}

// Fields of the APIRequest.
func (APIRequest) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("request_id").
			Unique().
			Immutable().
			Comment("UUID assigned at receipt"),
		field.String("domain").
			Immutable().
			Comment("Host header, primary multitenancy key"),
		field.String("account_id").
			Optional().
			Nillable().
			Comment("From resolved credential"),
		field.Time("timestamp").
			Default(time.Now).
			Immutable(),
		field.String("method").
			Immutable(),
		field.String("path").
			Immutable(),
		field.JSON("request_headers", map[string]string{}).
			Optional().
			Comment("Sanitized, secrets stripped before storage"),
		field.JSON("request_body", map[string]interface{}{}).
			Comment("Structured upstream request payload"),
		field.String("model").
			Optional().
			Nillable(),
		field.Enum("classification").
			Values("inference", "query_evaluation", "quota"),

		// Response fields, populated once on completion.
		field.Int("response_status").
			Optional().
			Nillable(),
		field.JSON("response_headers", map[string]string{}).
			Optional(),
		field.JSON("response_body", map[string]interface{}{}).
			Optional(),
		field.Bool("response_streaming").
			Default(false),

		// Token counters.
		field.Int("input_tokens").
			Optional().
			Nillable(),
		field.Int("output_tokens").
			Optional().
			Nillable(),
		field.Int("total_tokens").
			Optional().
			Nillable(),
		field.Int("cache_creation_tokens").
			Optional().
			Nillable(),
		field.Int("cache_read_tokens").
			Optional().
			Nillable(),

		field.Int("tool_call_count").
			Default(0),
		field.Int("first_token_latency_ms").
			Optional().
			Nillable(),
		field.Int("duration_ms").
			Optional().
			Nillable(),
		field.Text("error_text").
			Optional().
			Nillable(),

		// Conversation linkage (§4.2 Conversation Linker output).
		field.String("current_message_hash").
			Comment("sha256 hex of the full message list at request time"),
		field.String("parent_message_hash").
			Optional().
			Nillable().
			Comment("sha256 hex of messages[:-1], or nil for single-message requests"),
		field.String("system_hash").
			Optional().
			Nillable(),
		field.String("conversation_id").
			Comment("UUID grouping requests into one conversation"),
		field.String("branch_id").
			Default("main"),
		field.Int("message_count"),
		field.String("parent_request_id").
			Optional().
			Nillable(),
		field.String("parent_task_request_id").
			Optional().
			Nillable().
			Comment("Request whose response's Task tool_use spawned this sub-task"),
		field.Bool("is_subtask").
			Default(false),
		field.JSON("task_tool_invocation", []map[string]interface{}{}).
			Optional().
			Comment("Task tool_use blocks extracted from this request's response"),
	}
}

// Edges of the APIRequest.
func (APIRequest) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("streaming_chunks", StreamingChunk.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the APIRequest.
func (APIRequest) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("domain"),
		index.Fields("timestamp"),
		index.Fields("account_id", "timestamp"),
		index.Fields("conversation_id", "timestamp"),
		index.Fields("current_message_hash"),
		index.Fields("parent_message_hash"),
		index.Fields("is_subtask"),
	}
}

// Annotations for PostgreSQL-specific features.
// The GIN index over task_tool_invocation is created via a migration hook
// in pkg/database/migrations.go — ent has no native jsonb_path_ops GIN annotation.
func (APIRequest) Annotations() []schema.Annotation {
	return []schema.Annotation{}
}

package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// StreamingChunk holds the schema definition for a single chunk of a streamed
// upstream response, identified by (request_id, chunk_index).
type StreamingChunk struct {
	ent.Schema
}

// Fields of the StreamingChunk.
func (StreamingChunk) Fields() []ent.Field {
	return []ent.Field{
		field.Int("id").
			Comment("surrogate auto-increment primary key"),
		field.String("request_id").
			Immutable(),
		field.Int("chunk_index").
			Immutable().
			Comment("dense, monotonic per request_id"),
		field.Time("timestamp").
			Default(time.Now).
			Immutable(),
		field.Bytes("data").
			Immutable().
			Comment("raw bytes as received from upstream, byte-identical to what the client saw"),
		field.Int("token_count").
			Optional().
			Nillable(),
	}
}

// Edges of the StreamingChunk.
func (StreamingChunk) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("request", APIRequest.Type).
			Ref("streaming_chunks").
			Field("request_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the StreamingChunk.
func (StreamingChunk) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("request_id", "chunk_index").
			Unique(),
	}
}

// Package contentblock models the upstream's open-ended, polymorphic
// message content as a finite set of tagged block variants plus a
// catch-all "unknown" variant that preserves raw bytes for lossless
// round-tripping. See spec.md §9 (Design Notes) — "Dynamic request/response
// bodies".
package contentblock

import "encoding/json"

// Type identifies which variant a Block holds.
type Type string

// Known block types. Anything else unmarshals into TypeUnknown.
const (
	TypeText       Type = "text"
	TypeImage      Type = "image"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeUnknown    Type = "unknown"
)

// Block is a single content block within a message. Only the fields
// relevant to its Type are populated; Raw always holds the original bytes
// so an unrecognized block can be serialized back unchanged.
type Block struct {
	Type Type `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// cache_control is stripped before hashing but preserved on round-trip.
	CacheControl json.RawMessage `json:"cache_control,omitempty"`

	// Raw preserves the exact bytes this block was decoded from, used
	// verbatim when Type is TypeUnknown (or any field parsing fails).
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes a block, falling back to TypeUnknown with Raw
// preserved when the "type" field is absent or unrecognized.
func (b *Block) UnmarshalJSON(data []byte) error {
	type alias Block
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		// Completely unparseable as an object; preserve raw bytes only.
		*b = Block{Type: TypeUnknown, Raw: append(json.RawMessage(nil), data...)}
		return nil
	}
	*b = Block(a)
	switch b.Type {
	case TypeText, TypeImage, TypeToolUse, TypeToolResult:
	default:
		b.Type = TypeUnknown
	}
	b.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON serializes an unknown block back to its original raw bytes;
// known variants are re-encoded field-by-field.
func (b Block) MarshalJSON() ([]byte, error) {
	if b.Type == TypeUnknown && len(b.Raw) > 0 {
		return b.Raw, nil
	}
	type alias Block
	return json.Marshal(alias(b))
}

// Message is a single turn in a conversation. Content normalizes both the
// "string content" and "array of blocks" wire forms: after unmarshaling,
// Blocks is always populated.
type Message struct {
	Role   string  `json:"role"`
	Blocks []Block `json:"content"`
}

// UnmarshalJSON accepts content as either a bare string or an array of
// blocks, normalizing to Blocks per spec.md §4.1 rule 1.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role

	if len(raw.Content) == 0 {
		m.Blocks = nil
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw.Content, &asString); err == nil {
		if asString == "" {
			m.Blocks = nil
			return nil
		}
		m.Blocks = []Block{{Type: TypeText, Text: asString}}
		return nil
	}

	var blocks []Block
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return err
	}
	m.Blocks = blocks
	return nil
}

// MarshalJSON always emits content as an array of blocks.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role    string  `json:"role"`
		Content []Block `json:"content"`
	}
	return json.Marshal(alias{Role: m.Role, Content: m.Blocks})
}

// TextContent concatenates the text of every text block in the message,
// in order. Used for sub-task prompt matching (spec.md §4.2 step 2) and
// the quota-classification rule (spec.md §3).
func (m Message) TextContent() string {
	out := ""
	for _, b := range m.Blocks {
		if b.Type == TypeText {
			out += b.Text
		}
	}
	return out
}

// SystemBlock is one element of an array-form system prompt.
type SystemBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// System models the system prompt, which may arrive as a bare string or
// as an array of {type:"text", text, cache_control?} blocks.
type System struct {
	Blocks []SystemBlock
	Empty  bool
}

// UnmarshalJSON accepts either wire form.
func (s *System) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString == "" {
			s.Empty = true
			return nil
		}
		s.Blocks = []SystemBlock{{Type: "text", Text: asString}}
		return nil
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	s.Blocks = blocks
	s.Empty = len(blocks) == 0
	return nil
}

// Text concatenates the text of every block in order, per spec.md §4.1
// rule 5 (cache_control is ignored for hashing purposes).
func (s System) Text() string {
	out := ""
	for _, b := range s.Blocks {
		out += b.Text
	}
	return out
}

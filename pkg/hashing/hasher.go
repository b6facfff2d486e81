// Package hashing computes deterministic content fingerprints of a
// conversation prefix, so that two requests continuing from the same prior
// state receive the same hash regardless of incidental format variance.
// See spec.md §4.1 (Message Hasher).
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"

	"github.com/codeready-toolchain/llmproxy/pkg/contentblock"
)

// systemReminderRE matches a single paired, non-nested
// <system-reminder>...</system-reminder> span. (?s) lets "." match
// newlines; non-greedy ".*?" stops at the first closing tag so adjacent
// reminder spans in the same text are each stripped independently.
var systemReminderRE = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)

// HashMessages returns the hex-encoded SHA-256 of the canonical
// serialization of messages, after applying the normalization rules of
// spec.md §4.1. An empty message list hashes to the digest of an empty
// array, which is a valid (if unusual) fingerprint.
func HashMessages(messages []contentblock.Message) string {
	normalized := normalizeMessages(messages)
	return hashJSON(normalized)
}

// HashSystemPrompt returns the hex-encoded SHA-256 of the normalized system
// prompt text, or "" (treated as null by callers) if the prompt is absent
// or empty after normalization.
func HashSystemPrompt(system *contentblock.System) (string, bool) {
	if system == nil || system.Empty {
		return "", false
	}
	text := system.Text()
	if text == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]), true
}

// canonicalBlock is the deterministic-key-order wire shape used for hashing.
// Field order here doesn't matter for JSON semantics, but encoding/json
// always emits struct fields in declaration order, which is what makes this
// serialization stable across runs.
type canonicalBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

type canonicalMessage struct {
	Role   string           `json:"role"`
	Blocks []canonicalBlock `json:"blocks"`
}

// normalizeMessages applies spec.md §4.1 rules 2–4 to every message.
func normalizeMessages(messages []contentblock.Message) []canonicalMessage {
	out := make([]canonicalMessage, 0, len(messages))
	for _, m := range messages {
		blocks := stripSystemReminders(m.Blocks)
		blocks = dedupeAdjacentToolResults(blocks)

		cb := make([]canonicalBlock, 0, len(blocks))
		for _, b := range blocks {
			cb = append(cb, toCanonicalBlock(b))
		}
		out = append(out, canonicalMessage{Role: m.Role, Blocks: cb})
	}
	return out
}

// stripSystemReminders removes <system-reminder>...</system-reminder>
// spans from every text block, dropping any block that becomes empty.
func stripSystemReminders(blocks []contentblock.Block) []contentblock.Block {
	out := make([]contentblock.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Type != contentblock.TypeText {
			out = append(out, b)
			continue
		}
		stripped := systemReminderRE.ReplaceAllString(b.Text, "")
		if stripped == "" {
			continue
		}
		b.Text = stripped
		out = append(out, b)
	}
	return out
}

// dedupeAdjacentToolResults collapses immediately adjacent identical
// tool_result blocks (same tool_use_id and content) within one message.
func dedupeAdjacentToolResults(blocks []contentblock.Block) []contentblock.Block {
	out := make([]contentblock.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == contentblock.TypeToolResult && len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Type == contentblock.TypeToolResult &&
				prev.ToolUseID == b.ToolUseID &&
				string(prev.Content) == string(b.Content) {
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

func toCanonicalBlock(b contentblock.Block) canonicalBlock {
	return canonicalBlock{
		Type:      string(b.Type),
		Text:      b.Text,
		ID:        b.ID,
		Name:      b.Name,
		Input:     b.Input,
		ToolUseID: b.ToolUseID,
		Content:   string(b.Content),
	}
}

// hashJSON marshals v with stable map key ordering (Go's encoding/json
// already sorts map[string]interface{} keys) and returns its hex SHA-256.
func hashJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Canonical types above are all JSON-safe; a marshal failure here
		// would indicate a programming error, not a runtime condition to
		// recover from gracefully.
		panic("hashing: unexpected marshal failure: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/llmproxy/ent"
	"github.com/codeready-toolchain/llmproxy/pkg/contentblock"
)

// BuildTranscript merges a conversation's stored request/response rows,
// already loaded in chronological order, into a single [{role, content}]
// sequence (spec.md §4.7 step 1). Each row's request_body carries the full
// message history the client sent on that turn; only the newest message is
// novel past the first row, so only it and the row's own assistant
// response are appended for rows after the first.
func BuildTranscript(rows []*ent.APIRequest) []TranscriptMessage {
	var out []TranscriptMessage

	for i, row := range rows {
		messages := decodeMessages(row.RequestBody)
		if i == 0 {
			out = append(out, messages...)
		} else if len(messages) > 0 {
			out = append(out, messages[len(messages)-1])
		}

		if assistant, ok := decodeAssistantMessage(row.ResponseBody); ok {
			out = append(out, assistant)
		}
	}

	return out
}

func decodeMessages(body map[string]interface{}) []TranscriptMessage {
	raw, ok := body["messages"]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}

	var msgs []contentblock.Message
	if err := json.Unmarshal(encoded, &msgs); err != nil {
		return nil
	}

	out := make([]TranscriptMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, TranscriptMessage{Role: m.Role, Content: m.TextContent()})
	}
	return out
}

func decodeAssistantMessage(body map[string]interface{}) (TranscriptMessage, bool) {
	if body == nil {
		return TranscriptMessage{}, false
	}
	raw, ok := body["content"]
	if !ok {
		return TranscriptMessage{}, false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return TranscriptMessage{}, false
	}

	var blocks []contentblock.Block
	if err := json.Unmarshal(encoded, &blocks); err != nil {
		return TranscriptMessage{}, false
	}

	msg := contentblock.Message{Role: "assistant", Blocks: blocks}
	text := msg.TextContent()
	if text == "" {
		for _, b := range blocks {
			if b.Type == contentblock.TypeToolUse {
				text += fmt.Sprintf("[tool_use: %s]", b.Name)
			}
		}
	}
	if text == "" {
		return TranscriptMessage{}, false
	}
	return TranscriptMessage{Role: "assistant", Content: text}, true
}

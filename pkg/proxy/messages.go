package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/llmproxy/pkg/contentblock"
)

// requestEnvelope is the subset of the upstream Messages API request body
// the pipeline needs to inspect: messages/system for hashing & linking,
// model for the response record, and stream to pick the forwarding path.
type requestEnvelope struct {
	Model    string                 `json:"model"`
	Messages []contentblock.Message `json:"messages"`
	System   *contentblock.System   `json:"system,omitempty"`
	Stream   bool                   `json:"stream,omitempty"`
}

func decodeRequestEnvelope(body []byte) (requestEnvelope, error) {
	var env requestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return requestEnvelope{}, fmt.Errorf("proxy: decode request body: %w", err)
	}
	return env, nil
}

// assistantMessageFromBlocks wraps raw content blocks in the {role,
// content} envelope contentblock.Message.UnmarshalJSON expects, so both the
// streaming and non-streaming forwarding paths can hand the finished
// assistant turn to storage.Adapter.ProcessTaskToolInvocations identically.
func assistantMessageFromBlocks(blocks []json.RawMessage) (contentblock.Message, error) {
	wrapper := struct {
		Role    string            `json:"role"`
		Content []json.RawMessage `json:"content"`
	}{Role: "assistant", Content: blocks}

	raw, err := json.Marshal(wrapper)
	if err != nil {
		return contentblock.Message{}, err
	}
	var msg contentblock.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return contentblock.Message{}, err
	}
	return msg, nil
}

package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// sseFrame is one "event: ...\ndata: ...\n\n" unit read off the upstream
// stream, kept as both the raw bytes (piped to the client and persisted
// byte-for-byte) and the parsed event/data pair (used to track usage and
// accumulate content blocks).
type sseFrame struct {
	Raw   []byte
	Event string
	Data  []byte
}

// sseScanner splits an upstream text/event-stream body into frames on a
// blank line, the wire delimiter between SSE events.
type sseScanner struct {
	r *bufio.Reader
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReaderSize(r, 16*1024)}
}

// next reads the next frame, returning io.EOF when the stream ends cleanly.
func (s *sseScanner) next() (sseFrame, error) {
	var raw bytes.Buffer
	var event string
	var data bytes.Buffer
	sawAny := false

	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			sawAny = true
			raw.Write(line)
			trimmed := bytes.TrimRight(line, "\r\n")
			switch {
			case bytes.HasPrefix(trimmed, []byte("event:")):
				event = string(bytes.TrimSpace(trimmed[len("event:"):]))
			case bytes.HasPrefix(trimmed, []byte("data:")):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.Write(bytes.TrimSpace(trimmed[len("data:"):]))
			case len(trimmed) == 0:
				// Blank line: frame boundary.
				if err == nil || sawAny {
					return sseFrame{Raw: raw.Bytes(), Event: event, Data: data.Bytes()}, nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				if sawAny {
					return sseFrame{Raw: raw.Bytes(), Event: event, Data: data.Bytes()}, nil
				}
				return sseFrame{}, io.EOF
			}
			return sseFrame{}, err
		}
	}
}

// streamUsageTracker accumulates the terminal usage values carried across a
// message_start + message_delta pair, per spec.md §4.5 step 6's "derive
// final usage from the terminal message_delta/message_stop events".
type streamUsageTracker struct {
	inputTokens         *int
	outputTokens        *int
	cacheCreationTokens *int
	cacheReadTokens     *int
}

type sseMessageStartPayload struct {
	Message struct {
		Usage messagesUsage `json:"usage"`
	} `json:"message"`
}

type sseMessageDeltaPayload struct {
	Usage struct {
		OutputTokens *int `json:"output_tokens"`
	} `json:"usage"`
}

type sseContentBlockStartPayload struct {
	Index       int             `json:"index"`
	ContentBlock json.RawMessage `json:"content_block"`
}

type sseContentBlockDeltaPayload struct {
	Index int             `json:"index"`
	Delta json.RawMessage `json:"delta"`
}

// observe folds one SSE frame's payload into the running usage totals.
func (t *streamUsageTracker) observe(frame sseFrame) {
	switch frame.Event {
	case "message_start":
		var p sseMessageStartPayload
		if json.Unmarshal(frame.Data, &p) == nil {
			u := p.Message.Usage
			t.inputTokens = u.InputTokens
			t.cacheCreationTokens = u.CacheCreationInputTokens
			t.cacheReadTokens = u.CacheReadInputTokens
			if u.OutputTokens != nil {
				t.outputTokens = u.OutputTokens
			}
		}
	case "message_delta":
		var p sseMessageDeltaPayload
		if json.Unmarshal(frame.Data, &p) == nil && p.Usage.OutputTokens != nil {
			t.outputTokens = p.Usage.OutputTokens
		}
	}
}

// blockAccumulator reconstructs the assistant's content blocks from
// content_block_start/delta/stop events, so the finished message can be
// handed to storage.Adapter.ProcessTaskToolInvocations exactly as the
// non-streaming path does.
type blockAccumulator struct {
	blocks map[int]*accumulatingBlock
	order  []int
}

type accumulatingBlock struct {
	kind        string
	id          string
	name        string
	text        bytes.Buffer
	partialJSON bytes.Buffer
}

func newBlockAccumulator() *blockAccumulator {
	return &blockAccumulator{blocks: make(map[int]*accumulatingBlock)}
}

func (a *blockAccumulator) observe(frame sseFrame) {
	switch frame.Event {
	case "content_block_start":
		var p sseContentBlockStartPayload
		if json.Unmarshal(frame.Data, &p) != nil {
			return
		}
		var head struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		_ = json.Unmarshal(p.ContentBlock, &head)
		a.blocks[p.Index] = &accumulatingBlock{kind: head.Type, id: head.ID, name: head.Name}
		a.order = append(a.order, p.Index)
	case "content_block_delta":
		var p sseContentBlockDeltaPayload
		if json.Unmarshal(frame.Data, &p) != nil {
			return
		}
		b, ok := a.blocks[p.Index]
		if !ok {
			return
		}
		var delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		}
		if json.Unmarshal(p.Delta, &delta) != nil {
			return
		}
		switch delta.Type {
		case "text_delta":
			b.text.WriteString(delta.Text)
		case "input_json_delta":
			b.partialJSON.WriteString(delta.PartialJSON)
		}
	}
}

// firstContentDelta reports whether frame is the first chunk carrying
// visible content, for first-token-latency measurement.
func firstContentDelta(frame sseFrame) bool {
	return frame.Event == "content_block_delta"
}

// toMessage renders the accumulated blocks as the same JSON shape the
// non-streaming path decodes, so both paths feed
// storage.Adapter.ProcessTaskToolInvocations identically.
func (a *blockAccumulator) toMessage() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(a.order))
	for _, idx := range a.order {
		b := a.blocks[idx]
		var raw []byte
		switch b.kind {
		case "tool_use":
			var input json.RawMessage
			if b.partialJSON.Len() > 0 {
				input = json.RawMessage(b.partialJSON.Bytes())
			} else {
				input = json.RawMessage("{}")
			}
			raw, _ = json.Marshal(struct {
				Type  string          `json:"type"`
				ID    string          `json:"id"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			}{Type: "tool_use", ID: b.id, Name: b.name, Input: input})
		default:
			raw, _ = json.Marshal(struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{Type: "text", Text: b.text.String()})
		}
		out = append(out, raw)
	}
	return out
}

package proxy

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = "" +
	"event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"usage\":{\"input_tokens\":42,\"output_tokens\":1}}}\n\n" +
	"event: content_block_start\n" +
	"data: {\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n" +
	"event: content_block_stop\n" +
	"data: {\"index\":0}\n\n" +
	"event: content_block_start\n" +
	"data: {\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"Task\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"prompt\\\"\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\":\\\"go\\\"}\"}}\n\n" +
	"event: content_block_stop\n" +
	"data: {\"index\":1}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{},\"usage\":{\"output_tokens\":17}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func TestSSEScanner_SplitsFramesOnBlankLine(t *testing.T) {
	scanner := newSSEScanner(strings.NewReader(sampleStream))

	var frames []sseFrame
	for {
		frame, err := scanner.next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}

	require.Len(t, frames, 11)
	assert.Equal(t, "message_start", frames[0].Event)
	assert.Contains(t, string(frames[0].Raw), "event: message_start")
	assert.Equal(t, "message_stop", frames[len(frames)-1].Event)
}

func TestSSEScanner_EmptyInputReturnsEOFImmediately(t *testing.T) {
	scanner := newSSEScanner(strings.NewReader(""))
	_, err := scanner.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamUsageTracker_ObservesStartAndDelta(t *testing.T) {
	scanner := newSSEScanner(strings.NewReader(sampleStream))
	tracker := &streamUsageTracker{}

	for {
		frame, err := scanner.next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		tracker.observe(frame)
	}

	require.NotNil(t, tracker.inputTokens)
	assert.Equal(t, 42, *tracker.inputTokens)
	require.NotNil(t, tracker.outputTokens)
	assert.Equal(t, 17, *tracker.outputTokens)
}

func TestBlockAccumulator_ReconstructsTextAndToolUseBlocks(t *testing.T) {
	scanner := newSSEScanner(strings.NewReader(sampleStream))
	blocks := newBlockAccumulator()

	for {
		frame, err := scanner.next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		blocks.observe(frame)
	}

	out := blocks.toMessage()
	require.Len(t, out, 2)

	var textBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(out[0], &textBlock))
	assert.Equal(t, "text", textBlock.Type)
	assert.Equal(t, "Hello", textBlock.Text)

	var toolBlock struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	require.NoError(t, json.Unmarshal(out[1], &toolBlock))
	assert.Equal(t, "tool_use", toolBlock.Type)
	assert.Equal(t, "toolu_1", toolBlock.ID)
	assert.Equal(t, "Task", toolBlock.Name)
	assert.JSONEq(t, `{"prompt":"go"}`, string(toolBlock.Input))
}

func TestFirstContentDelta_OnlyMatchesContentBlockDelta(t *testing.T) {
	assert.True(t, firstContentDelta(sseFrame{Event: "content_block_delta"}))
	assert.False(t, firstContentDelta(sseFrame{Event: "message_start"}))
}

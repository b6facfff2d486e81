package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/llmproxy/pkg/apierrors"
	"github.com/codeready-toolchain/llmproxy/pkg/contentblock"
)

func textMessage(t *testing.T, role, text string) contentblock.Message {
	t.Helper()
	return contentblock.Message{Role: role, Blocks: []contentblock.Block{{Type: contentblock.TypeText, Text: text}}}
}

func TestValidateMessagesRequest_RejectsOversizedBody(t *testing.T) {
	err := validateMessagesRequest(MaxBodySize+1, []contentblock.Message{textMessage(t, "user", "hi")})
	require.Error(t, err)
	var apiErr *apierrors.Error
	require.True(t, apierrors.As(err, &apiErr))
	assert.Equal(t, apierrors.KindValidation, apiErr.Kind)
}

func TestValidateMessagesRequest_RejectsEmptyMessages(t *testing.T) {
	err := validateMessagesRequest(10, nil)
	require.Error(t, err)
}

func TestValidateMessagesRequest_RejectsTooManyMessages(t *testing.T) {
	messages := make([]contentblock.Message, MaxMessageCount+1)
	for i := range messages {
		messages[i] = textMessage(t, "user", "hi")
	}
	err := validateMessagesRequest(10, messages)
	require.Error(t, err)
}

func TestValidateMessagesRequest_RejectsExcessiveTotalText(t *testing.T) {
	huge := strings.Repeat("a", MaxTotalTextLength+1)
	err := validateMessagesRequest(10, []contentblock.Message{textMessage(t, "user", huge)})
	require.Error(t, err)
}

func TestValidateMessagesRequest_AcceptsReasonableRequest(t *testing.T) {
	err := validateMessagesRequest(10, []contentblock.Message{
		textMessage(t, "user", "hello there"),
		textMessage(t, "assistant", "hi, how can I help?"),
	})
	assert.NoError(t, err)
}

package proxy

import (
	"fmt"

	"github.com/codeready-toolchain/llmproxy/pkg/apierrors"
	"github.com/codeready-toolchain/llmproxy/pkg/contentblock"
)

// Body size/shape bounds (spec.md §4.5 step 3), matching the order of
// magnitude of the teacher's agent.MaxAlertDataSize constant.
const (
	MaxBodySize        = 10 * 1024 * 1024 // 10 MB
	MaxMessageCount    = 1000
	MaxTotalTextLength = 5 * 1024 * 1024 // 5 MB of concatenated text content
)

// validateMessagesRequest enforces spec.md §4.5 step 3's bounds on an
// already-decoded request body. bodySize is the raw byte length read off
// the wire, checked separately since it's known before JSON decoding.
func validateMessagesRequest(bodySize int, messages []contentblock.Message) error {
	if bodySize > MaxBodySize {
		return apierrors.Validation(fmt.Sprintf("request body exceeds maximum size of %d bytes", MaxBodySize), nil)
	}
	if len(messages) == 0 {
		return apierrors.Validation("messages must not be empty", nil)
	}
	if len(messages) > MaxMessageCount {
		return apierrors.Validation(fmt.Sprintf("messages exceeds maximum count of %d", MaxMessageCount), nil)
	}

	totalText := 0
	for _, msg := range messages {
		totalText += len(msg.TextContent())
		if totalText > MaxTotalTextLength {
			return apierrors.Validation(fmt.Sprintf("total message text exceeds maximum length of %d bytes", MaxTotalTextLength), nil)
		}
	}
	return nil
}

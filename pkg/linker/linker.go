// Package linker implements the content-hash-based conversation linking
// algorithm described in spec.md §4.2. It is a pure algorithm: all storage
// access goes through the QueryExecutor interface supplied by the caller,
// so this package has no database dependency and is trivial to unit test.
package linker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/llmproxy/pkg/contentblock"
	"github.com/codeready-toolchain/llmproxy/pkg/hashing"
)

// CompactContinuationMarker is the literal prefix that identifies a
// request as a compact continuation (spec.md §9 Open Question — this
// implementation's chosen, documented constant; see DESIGN.md, pkg/linker).
const CompactContinuationMarker = "[CONVERSATION SUMMARY]"

// subtaskQueryWindow and subtaskMatchWindow bound sub-task detection
// (spec.md §4.2 step 2).
const (
	subtaskQueryWindow = 24 * time.Hour
	subtaskMatchWindow = 30 * time.Second
)

// Link computes the conversation linkage for one incoming request. Storage
// query errors are returned as-is and are fatal to the caller's request
// (spec.md §4.2 "Failure semantics").
func Link(ctx context.Context, q QueryExecutor, in Input) (*Result, error) {
	currentHash := hashing.HashMessages(in.Messages)
	parentHash := parentMessageHash(in.Messages)
	systemHash, hasSystem := hashing.HashSystemPrompt(in.System)

	var systemHashPtr *string
	if hasSystem {
		systemHashPtr = &systemHash
	}

	// Step 2: sub-task detection, only for single-user-message requests.
	if len(in.Messages) == 1 && in.Messages[0].Role == "user" {
		result, err := trySubtask(ctx, q, in, currentHash, systemHashPtr)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}

	// Step 3: compact-continuation detection.
	if isCompactContinuationCandidate(in.Messages) {
		result, err := tryCompactContinuation(ctx, q, in, currentHash, parentHash, systemHashPtr)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}

	// Step 4: normal parent match. A nil parentHash (single-message request
	// that didn't match a sub-task or compact continuation above) always
	// starts a new conversation.
	if parentHash == nil {
		return newConversation(ctx, q, currentHash, parentHash, systemHashPtr)
	}

	matches, err := q.FindByParentHash(ctx, in.Domain, *parentHash)
	if err != nil {
		return nil, fmt.Errorf("linker: query parent hash: %w", err)
	}

	switch len(matches) {
	case 0:
		return newConversation(ctx, q, currentHash, parentHash, systemHashPtr)
	case 1:
		return singleParentMatch(ctx, q, in, matches[0], currentHash, parentHash, systemHashPtr)
	default:
		return divergentBranch(ctx, q, in, matches, currentHash, parentHash, systemHashPtr)
	}
}

func parentMessageHash(messages []contentblock.Message) *string {
	if len(messages) <= 1 {
		return nil
	}
	h := hashing.HashMessages(messages[:len(messages)-1])
	return &h
}

func trySubtask(ctx context.Context, q QueryExecutor, in Input, currentHash string, systemHash *string) (*Result, error) {
	prompt := in.Messages[0].TextContent()
	queryStart := in.Timestamp.Add(-subtaskQueryWindow)
	matchStart := in.Timestamp.Add(-subtaskMatchWindow)

	match, err := q.FindTaskInvocationMatch(ctx, in.Domain, prompt, queryStart, matchStart, in.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("linker: sub-task probe: %w", err)
	}
	if match == nil {
		return nil, nil
	}

	seq, err := q.MaxSubtaskSequence(ctx, match.ConversationID, in.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("linker: max subtask sequence: %w", err)
	}

	parentTaskRequestID := match.RequestID
	return &Result{
		ConversationID:      match.ConversationID,
		BranchID:            fmt.Sprintf("subtask_%d", seq+1),
		ParentRequestID:     nil,
		CurrentMessageHash:  currentHash,
		ParentMessageHash:   nil,
		SystemHash:          systemHash,
		IsSubtask:           true,
		ParentTaskRequestID: &parentTaskRequestID,
	}, nil
}

func isCompactContinuationCandidate(messages []contentblock.Message) bool {
	if len(messages) == 1 {
		return true
	}
	if len(messages) == 0 {
		return false
	}
	first := messages[0]
	return first.Role == "user" && strings.HasPrefix(first.TextContent(), CompactContinuationMarker)
}

func tryCompactContinuation(ctx context.Context, q QueryExecutor, in Input, currentHash string, parentHash *string, systemHash *string) (*Result, error) {
	summaryContent := compactSummaryContent(in.Messages[0].TextContent())
	if summaryContent == "" {
		return nil, nil
	}

	match, err := q.FindCompactContinuation(ctx, in.Domain, summaryContent, in.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("linker: compact continuation probe: %w", err)
	}
	if match == nil {
		return nil, nil
	}

	seq, err := q.MaxCompactSequence(ctx, match.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("linker: max compact sequence: %w", err)
	}

	return &Result{
		ConversationID:     match.ConversationID,
		BranchID:           fmt.Sprintf("compact_%d", seq+1),
		ParentRequestID:    nil,
		CurrentMessageHash: currentHash,
		ParentMessageHash:  parentHash,
		SystemHash:         systemHash,
		IsSubtask:          false,
	}, nil
}

// compactSummaryContent extracts the text to search for in a prior
// response body. When the marker is present, the content after it is the
// summary; otherwise (single-message fallback, no marker) the whole prompt
// text is used verbatim.
func compactSummaryContent(text string) string {
	if strings.HasPrefix(text, CompactContinuationMarker) {
		return strings.TrimSpace(strings.TrimPrefix(text, CompactContinuationMarker))
	}
	return strings.TrimSpace(text)
}

func newConversation(ctx context.Context, q QueryExecutor, currentHash string, parentHash *string, systemHash *string) (*Result, error) {
	conversationID, err := q.NewConversationID(ctx)
	if err != nil {
		return nil, fmt.Errorf("linker: allocate conversation id: %w", err)
	}
	return &Result{
		ConversationID:     conversationID,
		BranchID:           "main",
		ParentRequestID:    nil,
		CurrentMessageHash: currentHash,
		ParentMessageHash:  parentHash,
		SystemHash:         systemHash,
	}, nil
}

func singleParentMatch(ctx context.Context, q QueryExecutor, in Input, parent ParentRequest, currentHash string, parentHash *string, systemHash *string) (*Result, error) {
	branchID := parent.BranchID

	differs := hashDiffers(systemHash, parent.SystemHash)
	if differs {
		hasChildren, err := q.HasChildrenOnBranch(ctx, parent.ConversationID, parent.BranchID, parent.RequestID)
		if err != nil {
			return nil, fmt.Errorf("linker: check branch children: %w", err)
		}
		if hasChildren {
			newBranch, err := newTimestampBranch(ctx, q, parent.ConversationID, in.Timestamp)
			if err != nil {
				return nil, err
			}
			branchID = newBranch
		}
	}

	parentID := parent.RequestID
	return &Result{
		ConversationID:     parent.ConversationID,
		BranchID:           branchID,
		ParentRequestID:    &parentID,
		CurrentMessageHash: currentHash,
		ParentMessageHash:  parentHash,
		SystemHash:         systemHash,
	}, nil
}

func divergentBranch(ctx context.Context, q QueryExecutor, in Input, matches []ParentRequest, currentHash string, parentHash *string, systemHash *string) (*Result, error) {
	earliest := matches[0]
	for _, m := range matches[1:] {
		if m.Timestamp.Before(earliest.Timestamp) {
			earliest = m
		}
	}

	winner := tieBreakParent(matches, systemHash)

	newBranch, err := newTimestampBranch(ctx, q, earliest.ConversationID, in.Timestamp)
	if err != nil {
		return nil, err
	}

	parentID := winner.RequestID
	return &Result{
		ConversationID:     earliest.ConversationID,
		BranchID:           newBranch,
		ParentRequestID:    &parentID,
		CurrentMessageHash: currentHash,
		ParentMessageHash:  parentHash,
		SystemHash:         systemHash,
	}, nil
}

// tieBreakParent applies spec.md §4.2 step 5: same system_hash preferred,
// then most recent timestamp.
func tieBreakParent(matches []ParentRequest, systemHash *string) ParentRequest {
	best := matches[0]
	bestMatches := hashEqual(best.SystemHash, systemHash)

	for _, m := range matches[1:] {
		mMatches := hashEqual(m.SystemHash, systemHash)
		switch {
		case mMatches && !bestMatches:
			best, bestMatches = m, true
		case mMatches == bestMatches && m.Timestamp.After(best.Timestamp):
			best = m
		}
	}
	return best
}

func hashEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func hashDiffers(a, b *string) bool {
	return !hashEqual(a, b)
}

// newTimestampBranch generates a "branch_HHMMSS" id, appending "_k" for
// uniqueness within the conversation if the base id is already taken.
func newTimestampBranch(ctx context.Context, q QueryExecutor, conversationID string, ts time.Time) (string, error) {
	base := "branch_" + ts.Format("150405")

	exists, err := q.BranchExists(ctx, conversationID, base)
	if err != nil {
		return "", fmt.Errorf("linker: check branch existence: %w", err)
	}
	if !exists {
		return base, nil
	}

	for k := 2; ; k++ {
		candidate := fmt.Sprintf("%s_%d", base, k)
		exists, err := q.BranchExists(ctx, conversationID, candidate)
		if err != nil {
			return "", fmt.Errorf("linker: check branch existence: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
}

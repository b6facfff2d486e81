package linker

import (
	"context"
	"time"

	"github.com/codeready-toolchain/llmproxy/pkg/contentblock"
)

// ParentRequest is the subset of a stored request record the linker needs
// when evaluating candidate parents or task-invocation matches.
type ParentRequest struct {
	RequestID      string
	ConversationID string
	BranchID       string
	SystemHash     *string
	Timestamp      time.Time
}

// QueryExecutor is the storage-facing dependency the linker needs to
// resolve conversation linkage. Implementations live in pkg/storage; the
// linker itself never touches a database directly (spec.md §4.3: "the
// adapter hands the ConversationLinker its query executors so the linker
// remains free of storage details").
type QueryExecutor interface {
	// FindTaskInvocationMatch looks for a prior request in domain whose
	// response contained a Task tool_use with a matching prompt, created
	// within [queryWindowStart, now] and, among those, within 30s of now
	// (matchWindowStart). Returns nil if no match exists. When more than
	// one candidate matches, implementations bind to the most recent one
	// (spec.md §9 Open Question — see DESIGN.md).
	FindTaskInvocationMatch(ctx context.Context, domain, prompt string, queryWindowStart, matchWindowStart, now time.Time) (*ParentRequest, error)

	// MaxSubtaskSequence returns the highest N among existing "subtask_N"
	// branches in conversationID created before the given time, or 0 if none.
	MaxSubtaskSequence(ctx context.Context, conversationID string, before time.Time) (int, error)

	// FindCompactContinuation looks for the earliest prior request in
	// domain whose response body text contains summaryContent as an exact
	// substring, created before the given time.
	FindCompactContinuation(ctx context.Context, domain, summaryContent string, before time.Time) (*ParentRequest, error)

	// MaxCompactSequence returns the highest N among existing "compact_N"
	// branches in conversationID, or 0 if none.
	MaxCompactSequence(ctx context.Context, conversationID string) (int, error)

	// FindByParentHash returns every prior request in domain whose
	// current_message_hash equals parentHash.
	FindByParentHash(ctx context.Context, domain, parentHash string) ([]ParentRequest, error)

	// HasChildrenOnBranch reports whether any request other than
	// excludeRequestID already extends (conversationID, branchID).
	HasChildrenOnBranch(ctx context.Context, conversationID, branchID, excludeRequestID string) (bool, error)

	// BranchExists reports whether branchID is already in use within
	// conversationID, used to disambiguate generated branch ids.
	BranchExists(ctx context.Context, conversationID, branchID string) (bool, error)

	// NewConversationID allocates a fresh conversation id.
	NewConversationID(ctx context.Context) (string, error)
}

// Input is everything the linker needs about one incoming request.
type Input struct {
	Domain    string
	Messages  []contentblock.Message
	System    *contentblock.System
	RequestID string
	Timestamp time.Time
}

// Result is the conversation linkage computed for one request.
type Result struct {
	ConversationID      string
	BranchID            string
	ParentRequestID     *string
	CurrentMessageHash  string
	ParentMessageHash   *string
	SystemHash          *string
	IsSubtask           bool
	ParentTaskRequestID *string
}

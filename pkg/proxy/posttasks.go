package proxy

import "context"

// AnalysisEnqueuer optionally enqueues a (conversation, branch) pair for
// background analysis (spec.md §4.5 step 7, §4.7). Nil on a Server means
// analysis enqueueing is disabled.
type AnalysisEnqueuer interface {
	Enqueue(ctx context.Context, conversationID, branchID string) error
}

// ErrorNotifier optionally fires an external notification when a proxied
// request ends in error (spec.md §4.5 step 7). Nil on a Server means no
// notification is sent.
type ErrorNotifier interface {
	NotifyError(ctx context.Context, requestID, domain string, cause error)
}

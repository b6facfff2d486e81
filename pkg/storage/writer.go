// Package storage implements the write path that persists requests,
// responses, streaming chunks, and conversation linkage to PostgreSQL, and
// the façade that drives the Conversation Linker over a transient
// short-id→UUID mapping. See spec.md §4.3.
package storage

import (
	"context"
	"fmt"
	"time"

	"entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/llmproxy/ent"
	"github.com/codeready-toolchain/llmproxy/ent/apirequest"
	"github.com/codeready-toolchain/llmproxy/pkg/linker"
)

// Classification mirrors spec.md §3 "Request classification rule".
type Classification string

const (
	ClassificationInference       Classification = "inference"
	ClassificationQueryEvaluation Classification = "query_evaluation"
	ClassificationQuota           Classification = "quota"
)

// RequestRecord is everything the Writer needs to persist on receipt,
// before the upstream response is known.
type RequestRecord struct {
	RequestID      string
	Domain         string
	AccountID      *string
	Timestamp      time.Time
	Method         string
	Path           string
	RequestHeaders map[string]string
	RequestBody    map[string]interface{}
	Model          *string
	Classification Classification
	MessageCount   int

	Linkage linker.Result
}

// ResponseUpdate is applied once, on response completion.
type ResponseUpdate struct {
	Status             int
	Headers            map[string]string
	Body               map[string]interface{}
	Streaming          bool
	InputTokens        *int
	OutputTokens       *int
	TotalTokens        *int
	CacheCreationTokens *int
	CacheReadTokens     *int
	ToolCallCount       int
	FirstTokenLatencyMs *int
	DurationMs          *int
	ErrorText           *string
}

// TaskInvocation is one Task tool_use block extracted from a response body
// (spec.md §4.3 "Task-invocation extraction").
type TaskInvocation struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// Writer is the raw persistence layer. It also implements
// linker.QueryExecutor so the Adapter can hand it straight to linker.Link.
type Writer struct {
	client *ent.Client
}

// NewWriter wraps an ent client for direct persistence.
func NewWriter(client *ent.Client) *Writer {
	return &Writer{client: client}
}

// CreateRequest persists a newly-received request with its conversation
// linkage already computed.
func (w *Writer) CreateRequest(ctx context.Context, rec RequestRecord) error {
	create := w.client.APIRequest.Create().
		SetID(rec.RequestID).
		SetDomain(rec.Domain).
		SetTimestamp(rec.Timestamp).
		SetMethod(rec.Method).
		SetPath(rec.Path).
		SetRequestBody(rec.RequestBody).
		SetClassification(apirequest.Classification(rec.Classification)).
		SetMessageCount(rec.MessageCount).
		SetCurrentMessageHash(rec.Linkage.CurrentMessageHash).
		SetConversationID(rec.Linkage.ConversationID).
		SetBranchID(rec.Linkage.BranchID).
		SetIsSubtask(rec.Linkage.IsSubtask)

	if rec.AccountID != nil {
		create = create.SetAccountID(*rec.AccountID)
	}
	if rec.RequestHeaders != nil {
		create = create.SetRequestHeaders(rec.RequestHeaders)
	}
	if rec.Model != nil {
		create = create.SetModel(*rec.Model)
	}
	if rec.Linkage.ParentMessageHash != nil {
		create = create.SetParentMessageHash(*rec.Linkage.ParentMessageHash)
	}
	if rec.Linkage.SystemHash != nil {
		create = create.SetSystemHash(*rec.Linkage.SystemHash)
	}
	if rec.Linkage.ParentRequestID != nil {
		create = create.SetParentRequestID(*rec.Linkage.ParentRequestID)
	}
	if rec.Linkage.ParentTaskRequestID != nil {
		create = create.SetParentTaskRequestID(*rec.Linkage.ParentTaskRequestID)
	}

	if err := create.Exec(ctx); err != nil {
		return fmt.Errorf("storage: create request: %w", err)
	}
	return nil
}

// CompleteResponse applies the single response-completion update for a
// request. Called exactly once per request.
func (w *Writer) CompleteResponse(ctx context.Context, requestID string, upd ResponseUpdate) error {
	update := w.client.APIRequest.UpdateOneID(requestID).
		SetResponseStatus(upd.Status).
		SetResponseStreaming(upd.Streaming).
		SetToolCallCount(upd.ToolCallCount)

	if upd.Headers != nil {
		update = update.SetResponseHeaders(upd.Headers)
	}
	if upd.Body != nil {
		update = update.SetResponseBody(upd.Body)
	}
	if upd.InputTokens != nil {
		update = update.SetInputTokens(*upd.InputTokens)
	}
	if upd.OutputTokens != nil {
		update = update.SetOutputTokens(*upd.OutputTokens)
	}
	if upd.TotalTokens != nil {
		update = update.SetTotalTokens(*upd.TotalTokens)
	}
	if upd.CacheCreationTokens != nil {
		update = update.SetCacheCreationTokens(*upd.CacheCreationTokens)
	}
	if upd.CacheReadTokens != nil {
		update = update.SetCacheReadTokens(*upd.CacheReadTokens)
	}
	if upd.FirstTokenLatencyMs != nil {
		update = update.SetFirstTokenLatencyMs(*upd.FirstTokenLatencyMs)
	}
	if upd.DurationMs != nil {
		update = update.SetDurationMs(*upd.DurationMs)
	}
	if upd.ErrorText != nil {
		update = update.SetErrorText(*upd.ErrorText)
	}

	if err := update.Exec(ctx); err != nil {
		return fmt.Errorf("storage: complete response for %s: %w", requestID, err)
	}
	return nil
}

// AppendStreamingChunk persists one chunk of a streamed response, in order.
func (w *Writer) AppendStreamingChunk(ctx context.Context, requestID string, chunkIndex int, data []byte, tokenCount *int) error {
	create := w.client.StreamingChunk.Create().
		SetRequestID(requestID).
		SetChunkIndex(chunkIndex).
		SetData(data)
	if tokenCount != nil {
		create = create.SetTokenCount(*tokenCount)
	}
	if err := create.Exec(ctx); err != nil {
		return fmt.Errorf("storage: append streaming chunk %d for %s: %w", chunkIndex, requestID, err)
	}
	return nil
}

// SetTaskToolInvocations records Task tool_use invocations found in a
// request's response body, for later consultation by sub-task detection.
func (w *Writer) SetTaskToolInvocations(ctx context.Context, requestID string, invocations []TaskInvocation) error {
	raw := make([]map[string]interface{}, 0, len(invocations))
	for _, inv := range invocations {
		raw = append(raw, map[string]interface{}{"id": inv.ID, "prompt": inv.Prompt})
	}
	if err := w.client.APIRequest.UpdateOneID(requestID).
		SetTaskToolInvocation(raw).
		Exec(ctx); err != nil {
		return fmt.Errorf("storage: set task invocations for %s: %w", requestID, err)
	}
	return nil
}

// RequestByID fetches a single request record.
func (w *Writer) RequestByID(ctx context.Context, requestID string) (*ent.APIRequest, error) {
	req, err := w.client.APIRequest.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("storage: get request %s: %w", requestID, err)
	}
	return req, nil
}

// --- linker.QueryExecutor implementation ---

var _ linker.QueryExecutor = (*Writer)(nil)

// FindTaskInvocationMatch implements linker.QueryExecutor. Among requests
// whose task_tool_invocation JSON contains a prompt match, it binds to the
// most recent one when several qualify (spec.md §9 Open Question).
func (w *Writer) FindTaskInvocationMatch(ctx context.Context, domain, prompt string, queryWindowStart, matchWindowStart, now time.Time) (*linker.ParentRequest, error) {
	rows, err := w.client.APIRequest.Query().
		Where(
			apirequest.DomainEQ(domain),
			apirequest.TimestampGTE(queryWindowStart),
			apirequest.TimestampLTE(now),
		).
		Order(ent.Desc(apirequest.FieldTimestamp)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: query task invocation candidates: %w", err)
	}

	for _, row := range rows {
		if !taskInvocationMatches(row.TaskToolInvocation, prompt) {
			continue
		}
		if row.Timestamp.Before(matchWindowStart) {
			continue
		}
		return toParentRequest(row), nil
	}
	return nil, nil
}

// MaxSubtaskSequence implements linker.QueryExecutor.
func (w *Writer) MaxSubtaskSequence(ctx context.Context, conversationID string, before time.Time) (int, error) {
	rows, err := w.client.APIRequest.Query().
		Where(
			apirequest.ConversationID(conversationID),
			apirequest.TimestampLT(before),
			apirequest.BranchIDHasPrefix("subtask_"),
		).
		All(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: query max subtask sequence: %w", err)
	}
	return maxBranchSequence(rows, "subtask_"), nil
}

// FindCompactContinuation implements linker.QueryExecutor.
func (w *Writer) FindCompactContinuation(ctx context.Context, domain, summaryContent string, before time.Time) (*linker.ParentRequest, error) {
	row, err := w.client.APIRequest.Query().
		Where(
			apirequest.DomainEQ(domain),
			apirequest.TimestampLT(before),
		).
		Order(ent.Asc(apirequest.FieldTimestamp)).
		Where(func(s *sql.Selector) {
			s.Where(sql.ExprP("response_body::text ILIKE ?", "%"+summaryContent+"%"))
		}).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: query compact continuation: %w", err)
	}
	return toParentRequest(row), nil
}

// MaxCompactSequence implements linker.QueryExecutor.
func (w *Writer) MaxCompactSequence(ctx context.Context, conversationID string) (int, error) {
	rows, err := w.client.APIRequest.Query().
		Where(
			apirequest.ConversationID(conversationID),
			apirequest.BranchIDHasPrefix("compact_"),
		).
		All(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: query max compact sequence: %w", err)
	}
	return maxBranchSequence(rows, "compact_"), nil
}

// FindByParentHash implements linker.QueryExecutor.
func (w *Writer) FindByParentHash(ctx context.Context, domain, parentHash string) ([]linker.ParentRequest, error) {
	rows, err := w.client.APIRequest.Query().
		Where(
			apirequest.DomainEQ(domain),
			apirequest.CurrentMessageHash(parentHash),
		).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: query by parent hash: %w", err)
	}
	out := make([]linker.ParentRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, *toParentRequest(row))
	}
	return out, nil
}

// HasChildrenOnBranch implements linker.QueryExecutor.
func (w *Writer) HasChildrenOnBranch(ctx context.Context, conversationID, branchID, excludeRequestID string) (bool, error) {
	count, err := w.client.APIRequest.Query().
		Where(
			apirequest.ConversationID(conversationID),
			apirequest.BranchID(branchID),
			apirequest.IDNEQ(excludeRequestID),
		).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: query branch children: %w", err)
	}
	return count > 0, nil
}

// BranchExists implements linker.QueryExecutor.
func (w *Writer) BranchExists(ctx context.Context, conversationID, branchID string) (bool, error) {
	count, err := w.client.APIRequest.Query().
		Where(
			apirequest.ConversationID(conversationID),
			apirequest.BranchID(branchID),
		).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: query branch existence: %w", err)
	}
	return count > 0, nil
}

// NewConversationID implements linker.QueryExecutor.
func (w *Writer) NewConversationID(ctx context.Context) (string, error) {
	return uuid.NewString(), nil
}

func toParentRequest(row *ent.APIRequest) *linker.ParentRequest {
	return &linker.ParentRequest{
		RequestID:      row.ID,
		ConversationID: row.ConversationID,
		BranchID:       row.BranchID,
		SystemHash:     row.SystemHash,
		Timestamp:      row.Timestamp,
	}
}

// maxBranchSequence finds the highest trailing integer among branch ids
// with the given prefix, e.g. prefix "subtask_" matches "subtask_3" -> 3.
func maxBranchSequence(rows []*ent.APIRequest, prefix string) int {
	max := 0
	for _, row := range rows {
		var n int
		if _, err := fmt.Sscanf(row.BranchID, prefix+"%d", &n); err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}

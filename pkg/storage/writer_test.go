package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/codeready-toolchain/llmproxy/test/database"

	"github.com/codeready-toolchain/llmproxy/pkg/linker"
	"github.com/codeready-toolchain/llmproxy/pkg/storage"
)

func newTestWriter(t *testing.T) *storage.Writer {
	t.Helper()
	client := testdb.NewTestClient(t)
	return storage.NewWriter(client.Client)
}

func sampleRequest(requestID, conversationID, branchID, currentHash string, ts time.Time) storage.RequestRecord {
	return storage.RequestRecord{
		RequestID:      requestID,
		Domain:         "api.example.com",
		Timestamp:      ts,
		Method:         "POST",
		Path:           "/v1/messages",
		RequestBody:    map[string]interface{}{"model": "test-model"},
		Classification: storage.ClassificationInference,
		MessageCount:   1,
		Linkage: linker.Result{
			ConversationID:     conversationID,
			BranchID:           branchID,
			CurrentMessageHash: currentHash,
		},
	}
}

func TestWriter_CreateAndCompleteRequest(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	rec := sampleRequest("req-1", "conv-1", "main", "hash-1", time.Now())
	require.NoError(t, w.CreateRequest(ctx, rec))

	tokens := 42
	require.NoError(t, w.CompleteResponse(ctx, "req-1", storage.ResponseUpdate{
		Status:       200,
		Body:         map[string]interface{}{"role": "assistant"},
		InputTokens:  &tokens,
		OutputTokens: &tokens,
	}))

	row, err := w.RequestByID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 200, *row.ResponseStatus)
	assert.Equal(t, 42, *row.InputTokens)
}

func TestWriter_AppendStreamingChunk(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	rec := sampleRequest("req-2", "conv-1", "main", "hash-2", time.Now())
	require.NoError(t, w.CreateRequest(ctx, rec))

	require.NoError(t, w.AppendStreamingChunk(ctx, "req-2", 0, []byte("chunk-0"), nil))
	require.NoError(t, w.AppendStreamingChunk(ctx, "req-2", 1, []byte("chunk-1"), nil))
}

func TestWriter_FindByParentHash_ReturnsAllMatches(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, w.CreateRequest(ctx, sampleRequest("req-a", "conv-shared", "main", "shared-hash", base)))
	require.NoError(t, w.CreateRequest(ctx, sampleRequest("req-b", "conv-shared", "branch_x", "other-hash", base.Add(time.Minute))))

	matches, err := w.FindByParentHash(ctx, "api.example.com", "shared-hash")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "req-a", matches[0].RequestID)
}

func TestWriter_BranchExistsAndHasChildren(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	require.NoError(t, w.CreateRequest(ctx, sampleRequest("req-parent", "conv-x", "main", "hash-parent", time.Now())))

	exists, err := w.BranchExists(ctx, "conv-x", "main")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = w.BranchExists(ctx, "conv-x", "nonexistent")
	require.NoError(t, err)
	assert.False(t, exists)

	hasChildren, err := w.HasChildrenOnBranch(ctx, "conv-x", "main", "req-parent")
	require.NoError(t, err)
	assert.False(t, hasChildren)

	require.NoError(t, w.CreateRequest(ctx, sampleRequest("req-child", "conv-x", "main", "hash-child", time.Now())))
	hasChildren, err = w.HasChildrenOnBranch(ctx, "conv-x", "main", "req-parent")
	require.NoError(t, err)
	assert.True(t, hasChildren)
}

func TestWriter_MaxSubtaskSequence(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, w.CreateRequest(ctx, sampleRequest("req-s1", "conv-y", "subtask_1", "h1", now)))
	require.NoError(t, w.CreateRequest(ctx, sampleRequest("req-s2", "conv-y", "subtask_2", "h2", now.Add(time.Second))))

	seq, err := w.MaxSubtaskSequence(ctx, "conv-y", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, seq)
}

func TestWriter_NewConversationID_IsUniqueEachCall(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	a, err := w.NewConversationID(ctx)
	require.NoError(t, err)
	b, err := w.NewConversationID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

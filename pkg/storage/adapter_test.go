package storage_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/codeready-toolchain/llmproxy/test/database"

	"github.com/codeready-toolchain/llmproxy/pkg/contentblock"
	"github.com/codeready-toolchain/llmproxy/pkg/storage"
)

func newTestAdapter(t *testing.T, retention time.Duration) *storage.Adapter {
	t.Helper()
	client := testdb.NewTestClient(t)
	writer := storage.NewWriter(client.Client)
	adapter := storage.NewAdapter(writer, client, retention, time.Hour)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func decodeAdapterMessages(t *testing.T, raw string) []contentblock.Message {
	t.Helper()
	var msgs []contentblock.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msgs))
	return msgs
}

func TestAdapter_StoreRequestThenStoreResponse(t *testing.T) {
	a := newTestAdapter(t, time.Hour)
	ctx := context.Background()

	result, err := a.StoreRequest(ctx, "short-1", storage.RequestInput{
		Domain:    "api.example.com",
		Method:    "POST",
		Path:      "/v1/messages",
		Body:      map[string]interface{}{"model": "test"},
		Messages:  decodeAdapterMessages(t, `[{"role":"user","content":"hello"}]`),
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "main", result.Linkage.BranchID)

	require.NoError(t, a.StoreResponse(ctx, "short-1", storage.ResponseUpdate{Status: 200}))
}

func TestAdapter_StoreResponseWithUnknownShortID_IsNoOp(t *testing.T) {
	a := newTestAdapter(t, time.Hour)
	ctx := context.Background()

	err := a.StoreResponse(ctx, "never-stored", storage.ResponseUpdate{Status: 200})
	assert.NoError(t, err)
}

func TestAdapter_CloseForbidsFurtherOperations(t *testing.T) {
	client := testdb.NewTestClient(t)
	writer := storage.NewWriter(client.Client)
	a := storage.NewAdapter(writer, client, time.Hour, time.Hour)

	require.NoError(t, a.Close())

	_, err := a.StoreRequest(context.Background(), "short-x", storage.RequestInput{
		Domain:    "api.example.com",
		Messages:  decodeAdapterMessages(t, `[{"role":"user","content":"hi"}]`),
		Timestamp: time.Now(),
	})
	assert.ErrorIs(t, err, storage.ErrAdapterClosed)
}

func TestAdapter_StoreResponseAfterRetentionExpires_IsNoOp(t *testing.T) {
	a := newTestAdapter(t, 10*time.Millisecond)
	ctx := context.Background()

	_, err := a.StoreRequest(ctx, "short-ttl", storage.RequestInput{
		Domain:    "api.example.com",
		Messages:  decodeAdapterMessages(t, `[{"role":"user","content":"hello"}]`),
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	err = a.StoreResponse(ctx, "short-ttl", storage.ResponseUpdate{Status: 200})
	assert.NoError(t, err)
}

func TestAdapter_ProcessTaskToolInvocations_RecordsOnParentRow(t *testing.T) {
	a := newTestAdapter(t, time.Hour)
	ctx := context.Background()

	_, err := a.StoreRequest(ctx, "short-parent", storage.RequestInput{
		Domain:    "api.example.com",
		Messages:  decodeAdapterMessages(t, `[{"role":"user","content":"please delegate"}]`),
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	responseMessage := decodeAdapterMessages(t, `[{"role":"assistant","content":[
		{"type":"tool_use","id":"t1","name":"Task","input":{"prompt":"Summarize X"}}
	]}]`)[0]

	require.NoError(t, a.ProcessTaskToolInvocations(ctx, "short-parent", responseMessage))
}

package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/codeready-toolchain/llmproxy/test/database"

	"github.com/codeready-toolchain/llmproxy/ent/conversationanalysis"
)

func testConfig() Config {
	return Config{
		Enabled:           true,
		PollInterval:      10 * time.Millisecond,
		MaxConcurrentJobs: 2,
		JobTimeout:        time.Minute,
		MaxRetries:        3,
		RequestTimeout:    time.Second,
		MaxPromptTokens:   DefaultMaxPromptTokens,
		HeadMessages:      DefaultHeadMessages,
		TailMessages:      DefaultTailMessages,
	}
}

func TestClaimJobs_ClaimsPendingRowsAndSetsProcessing(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	_, err := client.Client.ConversationAnalysis.Create().
		SetConversationID("conv-1").
		SetBranchID("main").
		SetStatus(conversationanalysis.StatusPending).
		Save(ctx)
	require.NoError(t, err)

	w := NewWorker("w1", client.Client, testConfig(), nil)
	jobs, err := w.claimJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, conversationanalysis.StatusProcessing, jobs[0].Status)
	assert.NotNil(t, jobs[0].ProcessingStartedAt)
}

func TestClaimJobs_ReturnsErrNoJobsAvailableWhenEmpty(t *testing.T) {
	client := testdb.NewTestClient(t)
	w := NewWorker("w1", client.Client, testConfig(), nil)

	_, err := w.claimJobs(context.Background())
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestProcessJob_CompletesOnValidModelResponse(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	job, err := client.Client.ConversationAnalysis.Create().
		SetConversationID("conv-2").
		SetBranchID("main").
		SetStatus(conversationanalysis.StatusProcessing).
		SetProcessingStartedAt(time.Now()).
		Save(ctx)
	require.NoError(t, err)

	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"text":          validResultJSON(),
			"model":         "test-model",
			"input_tokens":  100,
			"output_tokens": 50,
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer model.Close()

	cfg := testConfig()
	worker := NewWorker("w1", client.Client, cfg, NewModelClient(model.URL, "", time.Second, 3))
	worker.processJob(ctx, job)

	updated, err := client.Client.ConversationAnalysis.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, conversationanalysis.StatusCompleted, updated.Status)
	require.NotNil(t, updated.ModelUsed)
	assert.Equal(t, "test-model", *updated.ModelUsed)
	assert.NotNil(t, updated.ResultStructured)
}

func TestProcessJob_RetriesOnModelFailureThenFailsAfterMaxAttempts(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	job, err := client.Client.ConversationAnalysis.Create().
		SetConversationID("conv-3").
		SetBranchID("main").
		SetStatus(conversationanalysis.StatusProcessing).
		SetProcessingStartedAt(time.Now()).
		SetAttemptCount(2).
		Save(ctx)
	require.NoError(t, err)

	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer model.Close()

	cfg := testConfig()
	cfg.MaxRetries = 3
	worker := NewWorker("w1", client.Client, cfg, NewModelClient(model.URL, "", time.Second, 1))
	worker.processJob(ctx, job)

	updated, err := client.Client.ConversationAnalysis.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, conversationanalysis.StatusFailed, updated.Status)
	assert.Equal(t, 3, updated.AttemptCount)
	require.NotNil(t, updated.LastError)
}

func TestReclaimStuckJobs_ResetsStaleProcessingRows(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	staleTime := time.Now().Add(-10 * time.Minute)
	job, err := client.Client.ConversationAnalysis.Create().
		SetConversationID("conv-4").
		SetBranchID("main").
		SetStatus(conversationanalysis.StatusProcessing).
		SetProcessingStartedAt(staleTime).
		Save(ctx)
	require.NoError(t, err)

	count, err := ReclaimStuckJobs(ctx, client.Client, 5*time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	updated, err := client.Client.ConversationAnalysis.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, conversationanalysis.StatusPending, updated.Status)
	assert.Equal(t, 1, updated.AttemptCount)
	assert.Nil(t, updated.ProcessingStartedAt)
}

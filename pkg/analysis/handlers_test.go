package analysis

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/codeready-toolchain/llmproxy/test/database"

	"github.com/codeready-toolchain/llmproxy/ent/conversationanalysis"
)

func newTestAPI(t *testing.T, dashboardKey string) (*API, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	client := testdb.NewTestClient(t)
	cfg := Config{DashboardAPIKey: dashboardKey}
	api := NewAPI(client.Client, cfg)

	engine := gin.New()
	api.RegisterRoutes(engine)
	return api, engine
}

func authed(req *http.Request, key string) *http.Request {
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

func TestCreateAnalysis_CreatesPendingJob(t *testing.T) {
	_, engine := newTestAPI(t, "secret")

	req := authed(httptest.NewRequest(http.MethodPost, "/api/analyses",
		bytes.NewBufferString(`{"conversationId":"conv-a","branchId":"main"}`)), "secret")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
}

func TestCreateAnalysis_ReturnsConflictForExistingJob(t *testing.T) {
	api, engine := newTestAPI(t, "secret")
	_, err := api.client.ConversationAnalysis.Create().
		SetConversationID("conv-b").
		SetBranchID("main").
		SetStatus(conversationanalysis.StatusCompleted).
		Save(context.Background())
	require.NoError(t, err)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/analyses",
		bytes.NewBufferString(`{"conversationId":"conv-b","branchId":"main"}`)), "secret")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateAnalysis_RejectsWithoutBearerToken(t *testing.T) {
	_, engine := newTestAPI(t, "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/analyses",
		bytes.NewBufferString(`{"conversationId":"conv-c"}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAnalysis_ReadOnlyModeRejectsWithoutDashboardKey(t *testing.T) {
	_, engine := newTestAPI(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/analyses",
		bytes.NewBufferString(`{"conversationId":"conv-d"}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetAnalysis_WorksInReadOnlyModeWithoutAuth(t *testing.T) {
	api, engine := newTestAPI(t, "")
	_, err := api.client.ConversationAnalysis.Create().
		SetConversationID("conv-e").
		SetBranchID("main").
		SetStatus(conversationanalysis.StatusPending).
		Save(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/analyses/conv-e/main", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "conv-e")
}

func TestGetAnalysis_NotFoundForUnknownConversation(t *testing.T) {
	_, engine := newTestAPI(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/analyses/missing/main", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegenerateAnalysis_ResetsToPending(t *testing.T) {
	api, engine := newTestAPI(t, "secret")
	_, err := api.client.ConversationAnalysis.Create().
		SetConversationID("conv-f").
		SetBranchID("main").
		SetStatus(conversationanalysis.StatusFailed).
		SetAttemptCount(3).
		Save(context.Background())
	require.NoError(t, err)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/analyses/conv-f/main/regenerate",
		bytes.NewBufferString(`{"customPrompt":"focus on tool usage"}`)), "secret")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
}

func TestEnqueue_CreatesPendingJobAndIsIdempotent(t *testing.T) {
	api, _ := newTestAPI(t, "secret")
	ctx := context.Background()

	require.NoError(t, api.Enqueue(ctx, "conv-g", "main"))

	job, err := api.client.ConversationAnalysis.Query().
		Where(
			conversationanalysis.ConversationIDEQ("conv-g"),
			conversationanalysis.BranchIDEQ("main"),
		).
		Only(ctx)
	require.NoError(t, err)
	assert.Equal(t, conversationanalysis.StatusPending, job.Status)

	// A second enqueue for the same pair must not error or duplicate the row.
	require.NoError(t, api.Enqueue(ctx, "conv-g", "main"))
}

package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/codeready-toolchain/llmproxy/test/database"

	"github.com/codeready-toolchain/llmproxy/pkg/credentials"
	"github.com/codeready-toolchain/llmproxy/pkg/storage"
	"github.com/codeready-toolchain/llmproxy/pkg/usage"
)

func newTestServerForRoutes(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	client := testdb.NewTestClient(t)
	writer := storage.NewWriter(client.Client)
	adapter := storage.NewAdapter(writer, client, time.Hour, time.Hour)
	t.Cleanup(func() { _ = adapter.Close() })

	credStore, err := credentials.NewStore("", nil)
	require.NoError(t, err)

	tracker := usage.NewTracker(client.Client)

	cfg := Config{Host: "127.0.0.1", Port: 0, UpstreamTimeout: 5 * time.Second, ServerTimeout: 10 * time.Second}
	return NewServer(cfg, client, credStore, adapter, tracker)
}

func TestServer_HealthHandler_ReportsHealthy(t *testing.T) {
	s := newTestServerForRoutes(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestServer_TokenStatsHandler_RequiresAccountID(t *testing.T) {
	s := newTestServerForRoutes(t)

	req := httptest.NewRequest(http.MethodGet, "/token-stats", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_TokenStatsHandler_ReturnsUsageForAccount(t *testing.T) {
	s := newTestServerForRoutes(t)

	req := httptest.NewRequest(http.MethodGet, "/token-stats?account_id=acct-1", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acct-1")
}

func TestServer_ShutdownWithoutStart_IsNoOp(t *testing.T) {
	s := newTestServerForRoutes(t)
	assert.NoError(t, s.Shutdown(context.Background()))
}

package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/llmproxy/pkg/credentials"
)

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, constantTimeEqual("sk-secret", "sk-secret"))
	assert.False(t, constantTimeEqual("sk-secret", "sk-other"))
	assert.False(t, constantTimeEqual("short", "a-much-longer-value"))
	assert.False(t, constantTimeEqual("", "x"))
}

func TestBearerToken_PrefersAuthorizationHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer from-bearer")
	req.Header.Set("x-api-key", "from-api-key")
	c.Request = req

	assert.Equal(t, "from-bearer", bearerToken(c))
}

func TestBearerToken_FallsBackToAPIKeyHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "from-api-key")
	c.Request = req

	assert.Equal(t, "from-api-key", bearerToken(c))
}

func TestRequestDomain_StripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "api.example.com:443"
	assert.Equal(t, "api.example.com", requestDomain(req))
}

func TestRequestDomain_NoPortUnchanged(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "api.example.com"
	assert.Equal(t, "api.example.com", requestDomain(req))
}

func TestClientAuthMiddleware_DisabledSkipsCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := credentials.NewStore("", nil)
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(clientAuthMiddleware(store, false))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClientAuthMiddleware_NoConfiguredKeySkipsCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := credentials.NewStore("", nil)
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(clientAuthMiddleware(store, true))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "unconfigured.example.com"
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

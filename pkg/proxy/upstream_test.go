package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/llmproxy/pkg/credentials"
)

func TestUpstreamClient_Forward_AttachesAuthHeaderAndReturnsBody(t *testing.T) {
	var gotAuth, gotAccept string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("x-api-key")
		gotAccept = r.Header.Get("Accept")
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	client := NewUpstreamClient(5*time.Second, func(domain string) string { return upstream.URL })
	resp, err := client.forward(context.Background(), "api.example.com", "/v1/messages", []byte(`{"ping":true}`),
		credentials.Credential{Type: credentials.TypeAPIKey, APIKey: "sk-test"}, true)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sk-test", gotAuth)
	assert.Equal(t, "text/event-stream", gotAccept)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ping":true}`, string(body))
}

func TestUpstreamClient_Forward_PropagatesUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"tokens per minute exceeded"}}`))
	}))
	defer upstream.Close()

	client := NewUpstreamClient(5*time.Second, func(domain string) string { return upstream.URL })
	resp, err := client.forward(context.Background(), "api.example.com", "/v1/messages", []byte(`{}`),
		credentials.Credential{Type: credentials.TypeAPIKey, APIKey: "sk-test"}, false)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestUpstreamClient_Forward_TransportFailureReturnsUpstreamError(t *testing.T) {
	client := NewUpstreamClient(50*time.Millisecond, func(domain string) string { return "http://127.0.0.1:1" })
	_, err := client.forward(context.Background(), "api.example.com", "/v1/messages", []byte(`{}`),
		credentials.Credential{Type: credentials.TypeAPIKey, APIKey: "sk-test"}, false)
	require.Error(t, err)
}

func TestDecodeNonStreamingBody_ExtractsUsageAndContent(t *testing.T) {
	body := []byte(`{
		"role": "assistant",
		"content": [{"type":"text","text":"hi"}],
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)

	parsed, asMap, err := decodeNonStreamingBody(body)
	require.NoError(t, err)
	require.NotNil(t, parsed.Usage.InputTokens)
	assert.Equal(t, 10, *parsed.Usage.InputTokens)
	require.NotNil(t, parsed.Usage.OutputTokens)
	assert.Equal(t, 5, *parsed.Usage.OutputTokens)
	require.Len(t, parsed.Content, 1)
	assert.Equal(t, "assistant", asMap["role"])
}

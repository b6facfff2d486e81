package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeready-toolchain/llmproxy/pkg/apierrors"
	"github.com/codeready-toolchain/llmproxy/pkg/credentials"
	"github.com/codeready-toolchain/llmproxy/pkg/version"
)

// UpstreamClient forwards decoded request bodies to the third-party LLM API
// and returns either a buffered response or a live stream, per spec.md
// §4.5 step 6.
type UpstreamClient struct {
	httpClient *http.Client
	baseURL    func(domain string) string
}

// NewUpstreamClient builds an UpstreamClient with the given per-request
// timeout (spec.md §4.5 "upstream request timeout"). baseURL resolves a
// domain to the scheme+host to forward requests to — in production this is
// simply "https://" + domain, overridable in tests.
func NewUpstreamClient(timeout time.Duration, baseURL func(domain string) string) *UpstreamClient {
	if baseURL == nil {
		baseURL = func(domain string) string { return "https://" + domain }
	}
	return &UpstreamClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

// upstreamResponse wraps the raw HTTP response; Body is the live upstream
// body in both modes, and callers decide whether to buffer it or relay it as
// a stream based on Streaming.
type upstreamResponse struct {
	StatusCode int
	Header     http.Header
	Streaming  bool
	Body       io.ReadCloser // caller MUST close
}

// forward issues the proxied request against the upstream, attaching the
// credential's auth header. The caller is responsible for reading/closing
// resp.Body exactly once.
func (u *UpstreamClient) forward(ctx context.Context, domain, path string, rawBody []byte, cred credentials.Credential, streaming bool) (*upstreamResponse, error) {
	url := u.baseURL(domain) + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rawBody))
	if err != nil {
		return nil, apierrors.Configuration("build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())
	name, value := cred.AuthHeader()
	req.Header.Set(name, value)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.Upstream(fmt.Sprintf("upstream request to %s failed", domain), 0, err)
	}

	if resp.StatusCode >= 400 {
		return &upstreamResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
	}

	return &upstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Streaming:  streaming,
		Body:       resp.Body,
	}, nil
}

// messagesUsage mirrors the upstream Messages API's "usage" object.
type messagesUsage struct {
	InputTokens              *int `json:"input_tokens"`
	OutputTokens             *int `json:"output_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens"`
}

// messagesResponse is the subset of the non-streaming Messages API response
// the pipeline needs: the assistant content blocks (for Task-invocation
// scanning) and the terminal usage block.
type messagesResponse struct {
	Role    string            `json:"role"`
	Content []json.RawMessage `json:"content"`
	Usage   messagesUsage     `json:"usage"`
}

func decodeNonStreamingBody(body []byte) (messagesResponse, map[string]interface{}, error) {
	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return messagesResponse{}, nil, err
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(body, &asMap); err != nil {
		return messagesResponse{}, nil, err
	}
	return parsed, asMap, nil
}

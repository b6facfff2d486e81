package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ModelClient calls the external analysis model over HTTP.
type ModelClient struct {
	httpClient *http.Client
	url        string
	apiKey     string
	maxRetries int
}

// NewModelClient builds a ModelClient bounded by requestTimeout per attempt.
func NewModelClient(url, apiKey string, requestTimeout time.Duration, maxRetries int) *ModelClient {
	return &ModelClient{
		httpClient: &http.Client{Timeout: requestTimeout},
		url:        url,
		apiKey:     apiKey,
		maxRetries: maxRetries,
	}
}

type modelRequest struct {
	Prompt string `json:"prompt"`
}

type modelResponse struct {
	Text       string `json:"text"`
	ModelUsed  string `json:"model"`
	InputUsed  int    `json:"input_tokens"`
	OutputUsed int    `json:"output_tokens"`
}

// attemptOutcome carries a non-retryable error up through backoff.Retry
// without losing its type, mirroring credentials.Store.doRefresh.
type attemptOutcome struct {
	response modelResponse
	err      error
}

// Analyze POSTs prompt to the external model, retrying transient failures
// with exponential back-off up to maxRetries attempts total, and returns the
// model's raw text, the model identifier it reports, and token usage
// (spec.md §4.7 step 4).
func (c *ModelClient) Analyze(ctx context.Context, prompt string) (text, modelUsed string, inputTokens, outputTokens int, err error) {
	reqBody, err := json.Marshal(modelRequest{Prompt: prompt})
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("analysis: encoding model request: %w", err)
	}

	var outcome attemptOutcome
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxAttempts(c.maxRetries)))

	operr := backoff.Retry(func() error {
		resp, callErr := c.call(ctx, reqBody)
		if callErr == nil {
			outcome = attemptOutcome{response: resp}
			return nil
		}
		if isPermanentModelError(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}, backoff.WithContext(policy, ctx))

	if operr != nil {
		return "", "", 0, 0, fmt.Errorf("analysis: calling analysis model: %w", operr)
	}
	return outcome.response.Text, outcome.response.ModelUsed, outcome.response.InputUsed, outcome.response.OutputUsed, nil
}

func maxAttempts(maxRetries int) int {
	if maxRetries < 1 {
		return 0
	}
	return maxRetries - 1
}

func (c *ModelClient) call(ctx context.Context, body []byte) (modelResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return modelResponse{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return modelResponse{}, fmt.Errorf("analysis: request to analysis model failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return modelResponse{}, fmt.Errorf("analysis: reading analysis model response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return modelResponse{}, fmt.Errorf("analysis: analysis model returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return modelResponse{}, &permanentModelError{fmt.Errorf("analysis: analysis model returned %d: %s", resp.StatusCode, string(respBody))}
	}

	var parsed modelResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return modelResponse{}, fmt.Errorf("analysis: decoding analysis model response: %w", err)
	}
	return parsed, nil
}

// permanentModelError marks a model-call failure as not worth retrying
// (a 4xx client error will not resolve itself on a later attempt).
type permanentModelError struct{ error }

func isPermanentModelError(err error) bool {
	_, ok := err.(*permanentModelError)
	return ok
}

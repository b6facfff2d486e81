package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPRefresher calls the upstream's OAuth refresh-grant endpoint
// (spec.md §6: "OAuth refresh uses the upstream's refresh-grant endpoint").
type HTTPRefresher struct {
	Client   *http.Client
	Endpoint func(domain string) string
}

// NewHTTPRefresher builds a refresher that POSTs a standard
// grant_type=refresh_token form to endpoint(domain).
func NewHTTPRefresher(endpoint func(domain string) string) *HTTPRefresher {
	return &HTTPRefresher{
		Client:   &http.Client{Timeout: 30 * time.Second},
		Endpoint: endpoint,
	}
}

type refreshGrantResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Refresh implements Store's Refresher. statusCode is 0 when no response
// was received at all (DNS failure, connection refused, context deadline).
func (r *HTTPRefresher) Refresh(ctx context.Context, domain string, current OAuth) (OAuth, int, error) {
	body := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint(domain), bytes.NewBufferString(body.Encode()))
	if err != nil {
		return OAuth{}, 0, fmt.Errorf("credentials: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.Client.Do(req)
	if err != nil {
		return OAuth{}, 0, fmt.Errorf("credentials: refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return OAuth{}, resp.StatusCode, fmt.Errorf("credentials: read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return OAuth{}, resp.StatusCode, fmt.Errorf("credentials: refresh endpoint returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed refreshGrantResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return OAuth{}, resp.StatusCode, fmt.Errorf("credentials: decode refresh response: %w", err)
	}

	refreshToken := parsed.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}
	scopes := current.Scopes
	if parsed.Scope != "" {
		scopes = []string{parsed.Scope}
	}

	return OAuth{
		AccessToken:  parsed.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
		Scopes:       scopes,
	}, resp.StatusCode, nil
}

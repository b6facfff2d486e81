package credentials_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/llmproxy/pkg/credentials"
)

var (
	assertErrInvalidGrant = errors.New("invalid_grant: refresh token revoked")
	assertErrUnavailable  = errors.New("upstream temporarily unavailable")
)

func credJSON(cred credentials.Credential) ([]byte, error) {
	return json.MarshalIndent(cred, "", "  ")
}

// fakeRefresher counts how many refresh attempts were actually made so
// tests can assert single-flight coalescing and bounded retry.
type fakeRefresher struct {
	mu        sync.Mutex
	calls     int32
	responses []fakeResponse
}

type fakeResponse struct {
	oauth  credentials.OAuth
	status int
	err    error
	delay  time.Duration
}

func (f *fakeRefresher) Refresh(ctx context.Context, domain string, current credentials.OAuth) (credentials.OAuth, int, error) {
	idx := atomic.AddInt32(&f.calls, 1) - 1

	f.mu.Lock()
	resp := f.responses[int(idx)%len(f.responses)]
	f.mu.Unlock()

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-ctx.Done():
			return credentials.OAuth{}, 0, ctx.Err()
		}
	}
	return resp.oauth, resp.status, resp.err
}

func writeCredentialFile(t *testing.T, dir, domain string, cred credentials.Credential) {
	t.Helper()
	data, err := credJSON(cred)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain+".credentials.json"), data, 0o600))
}

func TestStore_GetCredential_APIKeyPassesThrough(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "api.example.com", credentials.Credential{
		Type:      credentials.TypeAPIKey,
		APIKey:    "sk-test",
		AccountID: "acct-1",
	})

	store, err := credentials.NewStore(dir, &fakeRefresher{})
	require.NoError(t, err)

	cred, err := store.GetCredential(context.Background(), "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cred.APIKey)
	name, value := cred.AuthHeader()
	assert.Equal(t, "x-api-key", name)
	assert.Equal(t, "sk-test", value)
}

func TestStore_GetCredential_OAuthNotExpiringIsNotRefreshed(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "api.example.com", credentials.Credential{
		Type: credentials.TypeOAuth,
		OAuth: &credentials.OAuth{
			AccessToken: "tok-1",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
		AccountID: "acct-1",
	})
	refresher := &fakeRefresher{}
	store, err := credentials.NewStore(dir, refresher)
	require.NoError(t, err)

	cred, err := store.GetCredential(context.Background(), "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.OAuth.AccessToken)
	assert.Equal(t, int32(0), refresher.calls)
}

func TestStore_GetCredential_OAuthExpiringRefreshesAndPersists(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "api.example.com", credentials.Credential{
		Type: credentials.TypeOAuth,
		OAuth: &credentials.OAuth{
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(5 * time.Second),
		},
		AccountID: "acct-1",
	})
	refresher := &fakeRefresher{responses: []fakeResponse{
		{oauth: credentials.OAuth{AccessToken: "fresh", RefreshToken: "refresh-2", ExpiresAt: time.Now().Add(time.Hour)}, status: 200},
	}}
	store, err := credentials.NewStore(dir, refresher)
	require.NoError(t, err)

	cred, err := store.GetCredential(context.Background(), "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.OAuth.AccessToken)
	assert.Equal(t, int32(1), refresher.calls)

	// Reload from disk to confirm the refreshed token was persisted.
	reloaded, err := credentials.NewStore(dir, refresher)
	require.NoError(t, err)
	persisted, err := reloaded.GetCredential(context.Background(), "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "fresh", persisted.OAuth.AccessToken)
}

func TestStore_GetCredential_ConcurrentRefreshesAreCoalesced(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "api.example.com", credentials.Credential{
		Type: credentials.TypeOAuth,
		OAuth: &credentials.OAuth{
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Second),
		},
		AccountID: "acct-1",
	})
	refresher := &fakeRefresher{responses: []fakeResponse{
		{oauth: credentials.OAuth{AccessToken: "fresh", RefreshToken: "refresh-2", ExpiresAt: time.Now().Add(time.Hour)}, status: 200, delay: 50 * time.Millisecond},
	}}
	store, err := credentials.NewStore(dir, refresher)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.GetCredential(context.Background(), "api.example.com")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), refresher.calls)
}

func TestStore_GetCredential_HardFailureReturnsStaleCredentialAndError(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "api.example.com", credentials.Credential{
		Type: credentials.TypeOAuth,
		OAuth: &credentials.OAuth{
			AccessToken:  "stale",
			RefreshToken: "revoked",
			ExpiresAt:    time.Now().Add(time.Second),
		},
		AccountID: "acct-1",
	})
	refresher := &fakeRefresher{responses: []fakeResponse{
		{status: 400, err: assertErrInvalidGrant},
	}}
	store, err := credentials.NewStore(dir, refresher)
	require.NoError(t, err)

	cred, err := store.GetCredential(context.Background(), "api.example.com")
	require.Error(t, err)
	assert.Equal(t, "stale", cred.OAuth.AccessToken)
	assert.Equal(t, int32(1), refresher.calls, "hard failures must not be retried")
}

func TestStore_GetCredential_TransientFailureIsRetriedUpToThreeAttempts(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "api.example.com", credentials.Credential{
		Type: credentials.TypeOAuth,
		OAuth: &credentials.OAuth{
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Second),
		},
		AccountID: "acct-1",
	})
	refresher := &fakeRefresher{responses: []fakeResponse{
		{status: 503, err: assertErrUnavailable},
		{status: 503, err: assertErrUnavailable},
		{status: 503, err: assertErrUnavailable},
	}}
	store, err := credentials.NewStore(dir, refresher)
	require.NoError(t, err)

	_, err = store.GetCredential(context.Background(), "api.example.com")
	require.Error(t, err)
	assert.Equal(t, int32(3), refresher.calls)
}

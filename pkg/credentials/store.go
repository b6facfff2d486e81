package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// maxRefreshAttempts is the spec.md §4.4 bound on transient-failure retry.
const maxRefreshAttempts = 3

// Refresher performs the upstream OAuth refresh-grant call for a domain's
// current refresh token and returns the new token set. Implementations call
// the upstream's refresh-grant endpoint (spec.md §6).
type Refresher interface {
	Refresh(ctx context.Context, domain string, current OAuth) (OAuth, int, error)
}

// Store is the Credential Store façade: loads per-domain credential records
// from CREDENTIALS_DIR and serves getCredential, coalescing concurrent OAuth
// refreshes for the same domain into a single in-flight upstream call.
type Store struct {
	dir       string
	refresher Refresher

	mu          sync.Mutex
	credentials map[string]*Credential

	group singleflight.Group
}

// NewStore loads every `<domain>.credentials.{json,yaml,yml}` file under dir
// into memory. A directory containing no credential files is valid (an
// empty store, useful in tests or single-upstream deployments configured
// purely through environment variables).
func NewStore(dir string, refresher Refresher) (*Store, error) {
	s := &Store{
		dir:         dir,
		refresher:   refresher,
		credentials: make(map[string]*Credential),
	}
	if dir == "" {
		return s, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("credentials: read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		domain, ok := domainFromFilename(entry.Name())
		if !ok {
			continue
		}
		cred, err := loadCredentialFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("credentials: load %s: %w", entry.Name(), err)
		}
		s.credentials[domain] = cred
	}
	return s, nil
}

// domainFromFilename extracts "api.example.com" from
// "api.example.com.credentials.json" (or .yaml/.yml). Lookup key is domain
// (+ port, carried as part of the domain string by callers that need it;
// spec.md §3 treats "domain" as already including the port when present).
func domainFromFilename(name string) (string, bool) {
	const suffix = ".credentials"
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		trimmed, ok := trimSuffix(name, suffix+ext)
		if ok {
			return trimmed, true
		}
	}
	return "", false
}

func trimSuffix(s, suffix string) (string, bool) {
	if len(s) <= len(suffix) || s[len(s)-len(suffix):] != suffix {
		return "", false
	}
	return s[:len(s)-len(suffix)], true
}

func loadCredentialFile(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cred Credential
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cred); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cred); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	return &cred, nil
}

// GetCredential returns a usable credential for domain, refreshing an
// expiring OAuth token synchronously first (spec.md §4.4). On a hard
// refresh failure the stale credential is still returned alongside the
// classified error, so the caller can log it and decide whether to fail the
// request.
func (s *Store) GetCredential(ctx context.Context, domain string) (Credential, error) {
	s.mu.Lock()
	cred, ok := s.credentials[domain]
	s.mu.Unlock()
	if !ok {
		return Credential{}, fmt.Errorf("credentials: no record for domain %q", domain)
	}

	if cred.Type != TypeOAuth || cred.OAuth == nil || !cred.OAuth.expiringWithin(refreshWindow) {
		return *cred, nil
	}

	refreshed, err := s.refresh(ctx, domain)
	if err != nil {
		// Stale-but-usable: the caller decides whether a hard failure
		// should fail the in-flight request.
		return *cred, err
	}
	return *refreshed, nil
}

// refresh coalesces concurrent refreshes for the same domain via
// singleflight, so the upstream refresh-grant endpoint is called at most
// once in flight per domain; all waiters observe the same result.
func (s *Store) refresh(ctx context.Context, domain string) (*Credential, error) {
	v, err, _ := s.group.Do(domain, func() (interface{}, error) {
		return s.doRefresh(ctx, domain)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (s *Store) doRefresh(ctx context.Context, domain string) (*Credential, error) {
	s.mu.Lock()
	cred, ok := s.credentials[domain]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("credentials: no record for domain %q", domain)
	}

	var newOAuth OAuth
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRefreshAttempts-1)

	operr := backoff.Retry(func() error {
		var (
			status int
			err    error
		)
		newOAuth, status, err = s.refresher.Refresh(ctx, domain, *cred.OAuth)
		if err == nil {
			return nil
		}
		if classifyRefreshFailure(status) == RefreshFailureHard {
			return backoff.Permanent(&RefreshError{Domain: domain, Kind: RefreshFailureHard, Err: err})
		}
		return &RefreshError{Domain: domain, Kind: RefreshFailureTransient, Err: err}
	}, backoff.WithContext(policy, ctx))

	if operr != nil {
		var refreshErr *RefreshError
		if errors.As(operr, &refreshErr) {
			return nil, refreshErr
		}
		return nil, &RefreshError{Domain: domain, Kind: RefreshFailureTransient, Err: operr}
	}

	s.mu.Lock()
	cred.OAuth = &newOAuth
	s.mu.Unlock()

	if err := s.persist(domain, cred); err != nil {
		return nil, fmt.Errorf("credentials: persist refreshed token for %s: %w", domain, err)
	}
	return cred, nil
}

// persist writes the mutated credential record back to its file, matching
// spec.md §4.4's "persist the new access token, refresh token, and
// expires_at back to the durable record" contract.
func (s *Store) persist(domain string, cred *Credential) error {
	if s.dir == "" {
		return nil
	}
	path, ext := s.existingPath(domain)
	var data []byte
	var err error
	if ext == ".yaml" || ext == ".yml" {
		data, err = yaml.Marshal(cred)
	} else {
		data, err = json.MarshalIndent(cred, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *Store) existingPath(domain string) (path, ext string) {
	for _, candidate := range []string{".json", ".yaml", ".yml"} {
		p := filepath.Join(s.dir, domain+".credentials"+candidate)
		if _, err := os.Stat(p); err == nil {
			return p, candidate
		}
	}
	return filepath.Join(s.dir, domain+".credentials.json"), ".json"
}


// Package credentials is the Credential Store (spec.md §4.4): per-domain
// lookup of authentication material, with transparent, single-flight-
// coalesced OAuth token refresh.
package credentials

import "time"

// Type distinguishes the two credential record variants.
type Type string

const (
	TypeAPIKey Type = "api_key"
	TypeOAuth  Type = "oauth"
)

// OAuth holds the mutable OAuth state of a credential record.
type OAuth struct {
	AccessToken  string    `json:"access_token" yaml:"access_token"`
	RefreshToken string    `json:"refresh_token" yaml:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" yaml:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// expiringWithin reports whether the access token expires within d of now.
func (o *OAuth) expiringWithin(d time.Duration) bool {
	return time.Until(o.ExpiresAt) < d
}

// Credential is the polymorphic per-domain auth record of spec.md §3. Only
// one of APIKey / OAuth is populated, selected by Type.
type Credential struct {
	Type Type `json:"type" yaml:"type"`

	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	OAuth  *OAuth `json:"oauth,omitempty" yaml:"oauth,omitempty"`

	// ClientAPIKey is the token the Proxy Pipeline's client-auth middleware
	// expects from inbound requests for this domain (spec.md §4.5 step 2).
	// Empty means client auth is not enforced for this domain.
	ClientAPIKey string `json:"client_api_key,omitempty" yaml:"client_api_key,omitempty"`

	AccountID string `json:"account_id" yaml:"account_id"`
}

// AuthHeader returns the header name and value the Proxy Pipeline should
// attach to the upstream request for this credential.
func (c Credential) AuthHeader() (name, value string) {
	if c.Type == TypeOAuth && c.OAuth != nil {
		return "Authorization", "Bearer " + c.OAuth.AccessToken
	}
	return "x-api-key", c.APIKey
}

// refreshWindow is the spec.md §4.4 threshold: an OAuth credential refreshes
// synchronously once less than this remains before expiry.
const refreshWindow = 60 * time.Second

package credentials

import "fmt"

// RefreshFailureKind classifies why an OAuth refresh attempt failed, so
// callers can decide between surfacing a fatal error to the client and
// logging-and-continuing with the stale token (spec.md §4.4).
type RefreshFailureKind string

const (
	// RefreshFailureHard means the refresh token itself was rejected
	// (revoked, expired) — re-authentication is required and the request
	// this refresh was serving MUST fail.
	RefreshFailureHard RefreshFailureKind = "reauthentication_required"

	// RefreshFailureTransient means the refresh endpoint was unreachable
	// or returned a retryable error; the stale token may still work.
	RefreshFailureTransient RefreshFailureKind = "transient"
)

// RefreshError wraps a failed OAuth refresh with its classification.
type RefreshError struct {
	Domain string
	Kind   RefreshFailureKind
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("credentials: refresh %s for domain %s: %v", e.Kind, e.Domain, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// classifyRefreshFailure inspects the upstream refresh-grant response and
// picks a RefreshFailureKind. statusCode is 0 when no HTTP response was
// obtained at all (pure transport failure — DNS, connection refused,
// timeout). A 4xx from the grant endpoint means the refresh token itself is
// bad; anything else is treated as transient and eligible for retry.
func classifyRefreshFailure(statusCode int) RefreshFailureKind {
	if statusCode >= 400 && statusCode < 500 {
		return RefreshFailureHard
	}
	return RefreshFailureTransient
}

package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/llmproxy/pkg/credentials"
)

// bearerToken extracts the client-auth token from either Authorization:
// Bearer ... or x-api-key, in that order (spec.md §4.5 step 2).
func bearerToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return rest
		}
	}
	return c.GetHeader("x-api-key")
}

// constantTimeEqual reports whether a and b are equal, comparing in time
// proportional to the presented token a's length, so a length mismatch
// takes as long as a same-length mismatch (spec.md §4.8).
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a comparison of equal cost against a throwaway buffer
		// of the presented token's own length, so a length mismatch alone
		// doesn't short-circuit in less time than a same-length mismatch.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// clientAuthMiddleware enforces spec.md §4.8: the presented bearer token
// must match the domain's stored ClientAPIKey. A domain with no
// ClientAPIKey configured, or client auth disabled entirely, skips the
// check. Mismatch: 401, no body detail beyond a generic message.
func clientAuthMiddleware(store *credentials.Store, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		domain := requestDomain(c.Request)
		cred, err := store.GetCredential(c.Request.Context(), domain)
		if err != nil || cred.ClientAPIKey == "" {
			c.Next()
			return
		}

		presented := bearerToken(c)
		if presented == "" || !constantTimeEqual(presented, cred.ClientAPIKey) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestDomain returns the host portion of the inbound request, stripping
// a port if present, used as the credential/client-auth lookup key.
func requestDomain(r *http.Request) string {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

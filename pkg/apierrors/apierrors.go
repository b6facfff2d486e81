// Package apierrors is the error taxonomy shared by the Proxy Pipeline and
// the Analysis Worker's HTTP surface (spec.md §7). Handlers translate these
// into HTTP responses; they never leak stack traces to the client.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the fixed error categories of spec.md §7.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindAuthentication Kind = "authentication_error"
	KindAuthorization  Kind = "authorization_error"
	KindNotFound       Kind = "not_found_error"
	KindRateLimit      Kind = "rate_limit_error"
	KindUpstream       Kind = "upstream_error"
	KindTimeout        Kind = "timeout_error"
	KindStorage        Kind = "storage_error"
	KindConfiguration  Kind = "configuration_error"
)

// statusByKind is the fixed HTTP mapping of spec.md §7.
var statusByKind = map[Kind]int{
	KindValidation:     http.StatusBadRequest,
	KindAuthentication: http.StatusUnauthorized,
	KindAuthorization:  http.StatusForbidden,
	KindNotFound:       http.StatusNotFound,
	KindRateLimit:      http.StatusTooManyRequests,
	KindUpstream:       http.StatusBadGateway,
	KindTimeout:        http.StatusGatewayTimeout,
	KindStorage:        http.StatusInternalServerError,
	KindConfiguration:  http.StatusInternalServerError,
}

// Error is a classified, client-safe error. Message is what the client
// sees; wrapped carries the original cause for logs only.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int // populated only for KindUpstream
	wrapped        error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// StatusCode returns the HTTP status this error kind maps to.
func (e *Error) StatusCode() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: cause}
}

func Validation(message string, cause error) *Error   { return newErr(KindValidation, message, cause) }
func Authentication(message string) *Error            { return newErr(KindAuthentication, message, nil) }
func Authorization(message string) *Error             { return newErr(KindAuthorization, message, nil) }
func NotFound(message string) *Error                  { return newErr(KindNotFound, message, nil) }
func RateLimit(message string) *Error                 { return newErr(KindRateLimit, message, nil) }
func Timeout(message string, cause error) *Error      { return newErr(KindTimeout, message, cause) }
func Storage(message string, cause error) *Error      { return newErr(KindStorage, message, cause) }
func Configuration(message string, cause error) *Error {
	return newErr(KindConfiguration, message, cause)
}

// Upstream wraps a non-2xx upstream response that isn't itself a client
// error, carrying the upstream's status code for logging.
func Upstream(message string, upstreamStatus int, cause error) *Error {
	return &Error{Kind: KindUpstream, Message: message, UpstreamStatus: upstreamStatus, wrapped: cause}
}

// As is a thin convenience wrapper over errors.As for *Error.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

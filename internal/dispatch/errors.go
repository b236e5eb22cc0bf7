// Package dispatch runs the end-to-end request lifecycle: analyze, route,
// translate, send with retry and breaker protection, translate back, and
// fall back once when the primary local provider fails.
package dispatch

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Closed set; the dispatcher's retry, breaker, and fallback
// behavior is a pure function of the kind.
const (
	KindTransport       = "transport"
	KindTimeout         = "timeout"
	KindRateLimited     = "rate_limited"
	KindServerError     = "server_error"
	KindBreakerOpen     = "circuit_breaker_open"
	KindInvalidRequest  = "invalid_request"
	KindToolIncompat    = "tool_incompatible"
	KindNoChoices       = "no_choices"
	KindConfig          = "config"
)

// Error is a classified dispatch failure.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Status is the upstream HTTP status when one was received, 0 otherwise.
	Status int `json:"-"`

	cause error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a classified error wrapping cause.
func NewError(kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Retryable reports whether the retry loop may try again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindRateLimited, KindServerError:
		return true
	}
	return false
}

// BreakerCounted reports whether the failure counts against the provider's
// circuit breaker.
func (e *Error) BreakerCounted() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindRateLimited, KindServerError,
		KindToolIncompat, KindNoChoices:
		return true
	}
	return false
}

// FallbackEligible reports whether this failure may trigger the one-shot
// fallback provider.
func (e *Error) FallbackEligible() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindRateLimited, KindServerError,
		KindBreakerOpen, KindToolIncompat:
		return true
	}
	return false
}

// HTTPStatus maps the error to the status returned to the caller. Upstream
// statuses pass through; untranslatable kinds map to gateway statuses.
func (e *Error) HTTPStatus() int {
	if e.Status >= 400 {
		return e.Status
	}
	switch e.Kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBreakerOpen, KindConfig:
		return http.StatusServiceUnavailable
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// AsError extracts a classified error, wrapping unknown errors as transport.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return NewError(KindTransport, err.Error(), err)
}

// ClassifyStatus maps an upstream HTTP status to an error kind.
func ClassifyStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	default:
		return KindInvalidRequest
	}
}

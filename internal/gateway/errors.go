// Package gateway defines the error taxonomy shared by every pipeline
// stage. Each failure carries a stable Kind; the API layer owns the
// single mapping from Kind to HTTP status.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class. Kinds are wire-stable strings.
type Kind string

const (
	KindBadRequest         Kind = "BAD_REQUEST"
	KindTokenFormat        Kind = "TOKEN_FORMAT"
	KindTokenSignature     Kind = "TOKEN_SIGNATURE"
	KindTokenExpired       Kind = "TOKEN_EXPIRED"
	KindTokenAgentInactive Kind = "TOKEN_AGENT_INACTIVE"
	KindTokenProvenance    Kind = "TOKEN_PROVENANCE"
	KindPolicyDenied       Kind = "POLICY_DENIED"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindValidation         Kind = "VALIDATION"
	KindIdempotency        Kind = "IDEMPOTENCY_CONFLICT"
	KindBreakerOpen        Kind = "BREAKER_OPEN"
	KindUpstream5xx        Kind = "UPSTREAM_5XX"
	KindUpstreamTimeout    Kind = "UPSTREAM_TIMEOUT"
	KindNetwork            Kind = "NETWORK"
	KindCredNotFound       Kind = "CRED_NOT_FOUND"
	KindUnavailable        Kind = "SERVICE_UNAVAILABLE"
	KindCryptoDecrypt      Kind = "CRYPTO_DECRYPT"
	KindCancelled          Kind = "CANCELLED"
	KindInternal           Kind = "INTERNAL"
)

// StatusCode maps a Kind to its wire status. Unknown kinds map to 500.
func (k Kind) StatusCode() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindTokenFormat:
		return http.StatusUnauthorized
	case KindTokenSignature, KindTokenExpired, KindTokenAgentInactive,
		KindTokenProvenance, KindPolicyDenied:
		return http.StatusForbidden
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindIdempotency:
		return http.StatusConflict
	case KindBreakerOpen, KindCredNotFound, KindUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstream5xx, KindNetwork:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the resilience fabric may retry this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstream5xx, KindUpstreamTimeout, KindNetwork:
		return true
	default:
		return false
	}
}

// Error is the typed failure surfaced by every pipeline stage.
type Error struct {
	Kind    Kind
	Message string
	// Reason refines PolicyDenied errors (SCOPE, INTENT, SIZE, ...).
	Reason string
	// RetryAfter is seconds until the caller may retry (rate limit, quota).
	RetryAfter int
	Details    map[string]interface{}
	wrapped    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E builds a typed error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a typed error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// Denied builds a POLICY_DENIED error with the evaluation reason kind.
func Denied(reason, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindPolicyDenied,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf extracts the Kind from any error chain. Plain errors report
// INTERNAL, context cancellations report CANCELLED.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// AsError returns the typed error in the chain, or wraps err as INTERNAL.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindInternal, Message: err.Error(), wrapped: err}
}

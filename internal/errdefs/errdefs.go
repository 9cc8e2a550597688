// Package errdefs defines the failure taxonomy shared by the control plane,
// the relay, and the sandbox vault daemon. Every fallible operation in the
// platform surfaces one of these kinds so that HTTP layers, relay clients,
// and audit events agree on what went wrong without string matching.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. Kinds are stable wire values: they appear in
// JSON error payloads and audit events, so renaming one is a breaking change.
type Kind string

const (
	KindAuthFailed         Kind = "auth_failed"
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindVaultLocked        Kind = "vault_locked"
	KindInvalidPassword    Kind = "invalid_password"
	KindInvalidSignature   Kind = "invalid_signature"
	KindExpired            Kind = "expired"
	KindScopeDenied        Kind = "scope_denied"
	KindCeilingExceeded    Kind = "ceiling_exceeded"
	KindEscalationRequired Kind = "escalation_required"
	KindRevoked            Kind = "revoked"
	KindCallLimitExceeded  Kind = "call_limit_exceeded"
	KindTimeout            Kind = "timeout"
	KindRelayUnreachable   Kind = "relay_unreachable"
	KindCircuitOpen        Kind = "circuit_open"
	KindRateLimited        Kind = "rate_limited"
	KindResourceBusy       Kind = "resource_busy"
	KindMustBeRunning      Kind = "must_be_running"
	KindInvalidInput       Kind = "invalid_input"
	KindNotForMe           Kind = "not_for_me"
	KindInternal           Kind = "internal"
)

// Error is a classified failure with optional structured fields. Fields carry
// machine-readable context (ids, scopes, limits) that callers act on, for
// example the escalation request id attached to a ceiling_exceeded error.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithField attaches a single structured field and returns the same error for
// chaining.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// Field returns a structured field, or nil when absent.
func (e *Error) Field(key string) interface{} {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error while preserving it for errors.Is/As.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failure may be retried. Authorization and
// validation failures are never retried; transient transport and timing
// failures are.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindRelayUnreachable, KindResourceBusy, KindInternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code API layers respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthFailed, KindInvalidSignature, KindInvalidPassword:
		return http.StatusUnauthorized
	case KindScopeDenied, KindCeilingExceeded, KindEscalationRequired, KindRevoked, KindExpired, KindNotForMe, KindVaultLocked:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindCallLimitExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRelayUnreachable, KindCircuitOpen:
		return http.StatusBadGateway
	case KindResourceBusy, KindMustBeRunning:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

package telephony

import (
	"errors"
	"fmt"
)

// ErrorKind is the taxonomy member of a telephony error. Callers branch on
// the kind (and Retryable), never on vendor error strings.
type ErrorKind string

const (
	ErrAuthentication     ErrorKind = "authentication"
	ErrRateLimit          ErrorKind = "rate_limit"
	ErrCallFailed         ErrorKind = "call_failed"
	ErrNetwork            ErrorKind = "network"
	ErrValidation         ErrorKind = "validation"
	ErrConfiguration      ErrorKind = "configuration"
	ErrResourceNotFound   ErrorKind = "resource_not_found"
	ErrPermissionDenied   ErrorKind = "permission_denied"
	ErrServiceUnavailable ErrorKind = "service_unavailable"
	ErrTimeout            ErrorKind = "timeout"
)

// Error is the normalized telephony error. Provider adapters map every vendor
// failure (HTTP status, vendor error code, transport error) into one of these
// before it crosses the adapter boundary; vendor exception shapes never leak.
type Error struct {
	Kind     ErrorKind
	Code     string
	Message  string
	Provider string

	// Retryable reports whether the scheduler may retry the attempt that
	// produced this error.
	Retryable bool

	// Metadata carries kind-specific context, e.g. rate-limit headers.
	Metadata map[string]string

	// Err is the underlying vendor or transport error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("telephony: %s [%s %s]: %s", e.Kind, e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("telephony: %s [%s]: %s", e.Kind, e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with the default retryability for kind.
func NewError(kind ErrorKind, provider, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Provider:  provider,
		Retryable: kindRetryable(kind),
	}
}

// kindRetryable is the default retryability per taxonomy member. Transient
// conditions (rate limit, network, timeout, vendor outage) are retryable;
// anything requiring operator intervention is not.
func kindRetryable(kind ErrorKind) bool {
	switch kind {
	case ErrRateLimit, ErrNetwork, ErrTimeout, ErrServiceUnavailable:
		return true
	}
	return false
}

// httpStatusKinds maps HTTP response status codes to taxonomy members.
var httpStatusKinds = map[int]ErrorKind{
	400: ErrValidation,
	401: ErrAuthentication,
	403: ErrPermissionDenied,
	404: ErrResourceNotFound,
	408: ErrTimeout,
	422: ErrValidation,
	429: ErrRateLimit,
}

// FromHTTPStatus maps an HTTP status code from a vendor API response to a
// normalized Error. Unmapped codes fall back to call_failed — never to an
// untyped error.
func FromHTTPStatus(provider string, status int, body string) *Error {
	kind, ok := httpStatusKinds[status]
	if !ok {
		if status >= 500 {
			kind = ErrServiceUnavailable
		} else {
			kind = ErrCallFailed
		}
	}
	e := NewError(kind, provider, fmt.Sprintf("http_%d", status), body)
	return e
}

// IsRetryable reports whether err is (or wraps) a retryable telephony Error.
// Non-telephony errors are treated as retryable network-class failures, since
// they come from the transport rather than the vendor's decision logic.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return err != nil
}

// KindOf returns the taxonomy member of err, or call_failed when err is not a
// telephony Error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrCallFailed
}

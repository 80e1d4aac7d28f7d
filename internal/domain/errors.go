package domain

import (
	"errors"
	"time"
)

// ErrorKind is the stable, machine-readable identifier of a failure.
// Values are serialized verbatim by transport adapters.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "INVALID_INPUT"
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindIPBlocked          ErrorKind = "IP_BLOCKED"
	KindInvalidCredentials ErrorKind = "INVALID_CREDENTIALS"
	KindAccountDisabled    ErrorKind = "ACCOUNT_DISABLED"
	KindDevicePending      ErrorKind = "DEVICE_PENDING"
	KindDeviceBlocked      ErrorKind = "DEVICE_BLOCKED"
	KindSessionExpired     ErrorKind = "SESSION_EXPIRED"
	KindSessionNotFound    ErrorKind = "SESSION_NOT_FOUND"
	KindTokenInvalid       ErrorKind = "TOKEN_INVALID"
	KindSessionRevoked     ErrorKind = "SESSION_REVOKED"
	KindUsernameTaken      ErrorKind = "USERNAME_TAKEN"
	KindForbidden          ErrorKind = "FORBIDDEN"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindInvalidTransition  ErrorKind = "INVALID_TRANSITION"
	KindInternal           ErrorKind = "INTERNAL_ERROR"
)

var (
	// ErrInvalidInput is returned before any store access when a field is malformed.
	ErrInvalidInput = errors.New("invalid input")
	ErrRateLimited  = errors.New("rate limited")
	// ErrIPBlocked signals an active timed lockout for the caller's key.
	ErrIPBlocked = errors.New("ip blocked")
	// ErrInvalidCredentials hides whether the username or the password failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrDevicePending      = errors.New("device pending approval")
	ErrDeviceBlocked      = errors.New("device blocked")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionNotFound    = errors.New("session not found")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrUsernameTaken      = errors.New("username taken")
	ErrForbidden          = errors.New("forbidden")
	// ErrNotFound is the store-level miss. Adapters return it so the
	// application can map misses consistently.
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInternal          = errors.New("internal error")
)

var kindBySentinel = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidInput, KindInvalidInput},
	{ErrRateLimited, KindRateLimited},
	{ErrIPBlocked, KindIPBlocked},
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrAccountDisabled, KindAccountDisabled},
	{ErrDevicePending, KindDevicePending},
	{ErrDeviceBlocked, KindDeviceBlocked},
	{ErrSessionExpired, KindSessionExpired},
	{ErrSessionNotFound, KindSessionNotFound},
	{ErrTokenInvalid, KindTokenInvalid},
	{ErrSessionRevoked, KindSessionRevoked},
	{ErrUsernameTaken, KindUsernameTaken},
	{ErrForbidden, KindForbidden},
	{ErrNotFound, KindNotFound},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrInternal, KindInternal},
}

// KindOf maps an error chain to its taxonomy kind. Anything outside the
// taxonomy is reported as KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, it := range kindBySentinel {
		if errors.Is(err, it.err) {
			return it.kind
		}
	}
	return KindInternal
}

// IsTaxonomy reports whether err carries one of the declared kinds.
func IsTaxonomy(err error) bool {
	for _, it := range kindBySentinel {
		if errors.Is(err, it.err) {
			return true
		}
	}
	return false
}

// RetryAfterError attaches a back-off hint to a rate or lockout rejection.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }

func (e *RetryAfterError) Unwrap() error { return e.Err }

// WithRetryAfter wraps err with a retry hint. Non-positive hints are rounded up to one second.
func WithRetryAfter(err error, after time.Duration) error {
	if after < time.Second {
		after = time.Second
	}
	return &RetryAfterError{Err: err, After: after}
}

// RetryAfter extracts the retry hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}

package service

import (
	"errors"
)

// Validation outcomes. Each maps to one code of the rejection taxonomy via
// Reason.
var (
	ErrKeyNotFound           = errors.New("api key not found")
	ErrKeyInactive           = errors.New("api key not active")
	ErrKeyExpired            = errors.New("api key expired")
	ErrIPDenied              = errors.New("client ip not allowed")
	ErrInsufficientScope     = errors.New("insufficient scope")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrDependencyUnavailable = errors.New("key store unavailable")
	ErrMalformedCredential   = errors.New("malformed credential")
)

// Administrative errors.
var (
	ErrNotRotatable = errors.New("api key is not rotatable")
	ErrInvalidInput = errors.New("invalid input")
)

// Auth errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
)

// Reason codes reported for validation failures.
const (
	ReasonNotFound              = "NOT_FOUND"
	ReasonInactiveStatus        = "INACTIVE_STATUS"
	ReasonExpired               = "EXPIRED"
	ReasonIPDenied              = "IP_DENIED"
	ReasonInsufficientScope     = "INSUFFICIENT_SCOPE"
	ReasonRateLimited           = "RATE_LIMITED"
	ReasonDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	ReasonMalformedCredential   = "MALFORMED_CREDENTIAL"
)

var reasons = []struct {
	err  error
	code string
}{
	{ErrKeyNotFound, ReasonNotFound},
	{ErrKeyInactive, ReasonInactiveStatus},
	{ErrKeyExpired, ReasonExpired},
	{ErrIPDenied, ReasonIPDenied},
	{ErrInsufficientScope, ReasonInsufficientScope},
	{ErrRateLimited, ReasonRateLimited},
	{ErrDependencyUnavailable, ReasonDependencyUnavailable},
	{ErrMalformedCredential, ReasonMalformedCredential},
}

// Reason returns the taxonomy code for a validation error, or the empty
// string for nil and for errors outside the taxonomy.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return ""
}

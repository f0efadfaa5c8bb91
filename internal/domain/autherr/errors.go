// Package autherr defines the error taxonomy shared by every verification
// and authorization path. Callers are expected to dispatch on these values
// with errors.Is / errors.As rather than on error strings.
package autherr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for authentication and authorization outcomes.
var (
	// ErrInvalidCredential covers malformed tokens, bad signatures, and
	// unknown API keys.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrExpired is returned for tokens or keys past their expiry.
	ErrExpired = errors.New("credential expired")

	// ErrRevoked is returned for blacklisted tokens and deactivated keys.
	ErrRevoked = errors.New("credential revoked")

	// ErrForbidden means the caller authenticated but lacks the required
	// scope or violates a key restriction.
	ErrForbidden = errors.New("forbidden")

	// ErrBlocked means an active threat mitigation denies the source IP or
	// identity regardless of credential validity.
	ErrBlocked = errors.New("blocked by security policy")

	// ErrRateLimited is the sentinel wrapped by RateLimitError.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable is returned when the shared store stays unreachable
	// after bounded retries and the configured fail policy denies.
	ErrUnavailable = errors.New("auth store unavailable")
)

// RateLimitError reports which window rejected the request.
type RateLimitError struct {
	// Window is the exhausted window: minute, hour, day, or concurrent.
	Window string
	// RetryAfter indicates how long to wait before retrying.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s window), retry after %v", e.Window, e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrRateLimited) work for callers that do not
// care which window fired.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// SafeMessage returns a client-safe message for err.
// Internal details are logged server-side but never exposed to clients.
func SafeMessage(err error) string {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return "Rate limit exceeded"
	}

	switch {
	case errors.Is(err, ErrInvalidCredential):
		return "Invalid credentials"
	case errors.Is(err, ErrExpired):
		return "Credential expired"
	case errors.Is(err, ErrRevoked):
		return "Credential revoked"
	case errors.Is(err, ErrForbidden):
		return "Access denied"
	case errors.Is(err, ErrBlocked):
		return "Access temporarily blocked"
	case errors.Is(err, ErrRateLimited):
		return "Rate limit exceeded"
	default:
		return "Internal error"
	}
}

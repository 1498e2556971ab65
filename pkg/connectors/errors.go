package connectors

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the provider rejected the credential (HTTP 401/403).
// Callers should attempt one token refresh and retry once, then give up.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider rejected credentials (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable implements retry.RetryableError. Auth failures are not
// retried by the backoff policy - the refresh-then-retry-once path is
// handled explicitly by the connector.
func (e *AuthError) IsRetryable() bool { return false }

// RateLimitedError means the provider applied backpressure (HTTP 429).
// Callers must back off at least RetryAfter before the next attempt.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider rate limit hit, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) IsRetryable() bool { return true }

// RetryDelay implements retry.DelayHinter.
func (e *RateLimitedError) RetryDelay() time.Duration { return e.RetryAfter }

// TransientError wraps network failures and HTTP 5xx responses. Retried
// with exponential backoff up to the attempt cap.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error     { return e.Err }
func (e *TransientError) IsRetryable() bool { return true }

// PermanentError covers remaining 4xx responses (bad request, unsupported
// object or association type). Never retried.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent provider error (status %d): %s", e.StatusCode, e.Message)
}

func (e *PermanentError) IsRetryable() bool { return false }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsPermanentError reports whether err is (or wraps) a PermanentError.
func IsPermanentError(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

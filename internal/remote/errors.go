package remote

import (
	"errors"
	"fmt"
)

// Sentinel conditions a backend can surface.
var (
	ErrNotFound         = errors.New("remote: not found")
	ErrPermissionDenied = errors.New("remote: permission denied")
	ErrUnavailable      = errors.New("remote: unavailable")
	ErrRateLimited      = errors.New("remote: rate limited")
)

// Transient marks an error as retryable (network, rate limiting,
// unavailability). Retry policies back off and try again.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Permanent marks an error as non-retryable (authorization, not-found).
// Queue items failing permanently are marked and never retried again.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err must never be retried.
func IsPermanent(err error) bool {
	var pe permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied)
}

// IsTransient reports whether err is worth retrying. Unclassified errors
// count as transient: an unknown failure is assumed to be the network's
// fault, not the caller's.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

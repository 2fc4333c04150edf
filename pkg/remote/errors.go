package remote

import (
	"errors"
	"fmt"
)

// TransientError marks a failure that is expected to clear on its own:
// network timeouts, 5xx responses, or a malformed body on an otherwise
// healthy endpoint. Transient errors are retried with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// AuthError marks an authentication failure: 401/403, or an HTML body where
// JSON was expected, which the source returns when its session expires.
// Auth errors are never retried and abort the fetch stage.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote authentication failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

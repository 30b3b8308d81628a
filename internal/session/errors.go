package session

import (
	"errors"
	"fmt"
)

// ErrUnauthorized matches every terminal authorization failure.
var ErrUnauthorized = errors.New("unauthorized")

// Reasons carried by AuthError.
var (
	// ErrNoRefreshToken means a request was rejected and no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token")
	// ErrRefreshFailed means the refresh call failed or was rejected.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrRetryExhausted means the replayed request was rejected again.
	ErrRetryExhausted = errors.New("retry exhausted")
)

var (
	// ErrClosed is returned to requests parked on a refresh when the client shuts down.
	ErrClosed = errors.New("session client closed")
	// ErrNoAccessToken is returned by TokenSource when no access token is stored.
	ErrNoAccessToken = errors.New("no access token")
	// ErrLoggedOut is the termination reason recorded by Logout.
	ErrLoggedOut = errors.New("logged out")
)

// AuthError is the single terminal authorization failure returned by Client.
// Reason is one of ErrNoRefreshToken, ErrRefreshFailed or ErrRetryExhausted;
// Err is the underlying cause, if any.
type AuthError struct {
	Reason error
	Err    error
}

func newAuthError(reason, cause error) *AuthError {
	return &AuthError{Reason: reason, Err: cause}
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %v", ErrUnauthorized, e.Reason)
	}
	return fmt.Sprintf("%v: %v: %v", ErrUnauthorized, e.Reason, e.Err)
}

// Unwrap exposes ErrUnauthorized, the reason and the cause to errors.Is / errors.As.
func (e *AuthError) Unwrap() []error {
	errs := []error{ErrUnauthorized, e.Reason}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrNotFound     = errors.New("auth: not found")

	// ErrInvalidCredentials is returned for every login denial. Callers must
	// not be able to tell an unknown subject from a wrong secret or a lockout.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrTwoFactorRequired asks the caller to re-prompt with a 2FA proof.
	ErrTwoFactorRequired = errors.New("auth: two-factor proof required")
	// ErrInfrastructure marks retryable collaborator failures.
	ErrInfrastructure = errors.New("auth: infrastructure unavailable")
	// ErrInvalidToken indicates the session token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired indicates a well-formed token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
)

// InfrastructureError wraps a failure of the directory or attempt store.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInfrastructure) match any InfrastructureError.
func (e *InfrastructureError) Is(target error) bool {
	return target == ErrInfrastructure
}

func infraError(op string, err error) error {
	return &InfrastructureError{Op: op, Err: err}
}

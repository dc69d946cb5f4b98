package auth

import (
	"errors"
	"fmt"
)

// Typed outcomes returned to the boundary layer. The boundary maps them to
// transport status; the core never shapes HTTP responses itself.
var (
	ErrMissingCredential  = errors.New("auth: missing credential")
	ErrDuplicateLogin     = errors.New("auth: login already taken")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAuthRequired       = errors.New("auth: authentication required")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrGroupNotFound      = errors.New("auth: group not found")

	// ErrCodeMismatch covers missing, expired and already-consumed codes
	// alike so callers cannot probe code state.
	ErrCodeMismatch = errors.New("auth: code mismatch")

	ErrWeakPassword = errors.New("auth: weak password")

	// ErrIntegrityViolation means the store contradicts itself (for example
	// a token whose owner is gone). Details are logged, never returned.
	ErrIntegrityViolation = errors.New("auth: integrity violation")

	// ErrDeliveryFailure wraps a failed code delivery. Never retried here.
	ErrDeliveryFailure = errors.New("auth: code delivery failed")
)

func weakPassword(reason string) error {
	return fmt.Errorf("%w: %s", ErrWeakPassword, reason)
}

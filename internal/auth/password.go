package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// PasswordPolicy inspects a raw password and returns a human-readable
// rejection reason, or "" to accept. The zero policy accepts everything.
type PasswordPolicy func(raw string) string

// MinLengthPolicy rejects passwords shorter than n bytes.
func MinLengthPolicy(n int) PasswordPolicy {
	return func(raw string) string {
		if len(raw) < n {
			return "password is too short"
		}
		return ""
	}
}

// HashPassword hashes a raw password with bcrypt at the given cost. The
// bcrypt output embeds the algorithm tag, cost and a random salt.
func HashPassword(raw string, cost int) (string, error) {
	if raw == "" {
		return "", ErrMissingCredential
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a raw password against a stored hash.
// Returns ErrInvalidCredentials on mismatch.
func VerifyPassword(hash, raw string) error {
	if hash == "" || raw == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return err
	}
	return nil
}

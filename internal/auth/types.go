package auth

import "time"

// Principal is an authenticated entity. Permissions holds the tags granted
// directly; Groups carries the principal's memberships with each group's
// permissions, loaded in the same store snapshot as the principal itself so
// permission checks never observe a half-applied membership edit.
type Principal struct {
	ID           string            `json:"id"`
	Login        string            `json:"login"`
	Email        string            `json:"email"`
	PasswordHash string            `json:"-"`
	Permissions  []string          `json:"permissions"`
	Groups       []PermissionGroup `json:"groups,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// PermissionGroup bundles permission tags that members inherit.
type PermissionGroup struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// BearerToken is an opaque token a client presents on protected calls.
// Revocation sets ExpiresAt to the revocation instant; rows are never
// hard-deleted by the core.
type BearerToken struct {
	Value       string    `json:"token"`
	PrincipalID string    `json:"principal_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t BearerToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// SigninCode is a short-lived one-time signin factor.
type SigninCode struct {
	Code        string
	PrincipalID string
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// RestoreCode authorizes a password reset without a token.
type RestoreCode struct {
	Code        string
	PrincipalID string
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// NewPrincipal carries the arguments for principal creation. Password is the
// raw secret; it is hashed before anything is persisted.
type NewPrincipal struct {
	Login       string
	Password    string
	Email       string
	Permissions []string
}

// PrincipalUpdate is a partial update; nil fields are left untouched.
// Password changes go through Service.SetPassword so the policy and hashing
// path cannot be bypassed.
type PrincipalUpdate struct {
	Login       *string
	Email       *string
	Permissions *[]string
}

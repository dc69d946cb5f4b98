package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth core. Absent
// records surface as the matching taxonomy sentinel (ErrUserNotFound,
// ErrGroupNotFound, ErrInvalidToken, ErrCodeMismatch) so the service layer
// never has to translate a separate not-found family.
//
// Every check-then-act sequence is expressed as a single Store operation and
// implementations must execute it atomically: IssueOrRefreshToken preserves
// the at-most-one-active-token invariant and the Consume* operations the
// exactly-once-code-use invariant under concurrent callers.
type Store interface {
	PrincipalStore
	GroupStore
	TokenStore
	CodeStore
}

// PrincipalStore manages principals. Find* load the principal together with
// its group memberships and their permissions in one consistent snapshot.
type PrincipalStore interface {
	// CreatePrincipal persists p, filling ID when empty.
	// Returns ErrDuplicateLogin when the login is taken.
	CreatePrincipal(ctx context.Context, p *Principal) error
	FindPrincipal(ctx context.Context, id string) (Principal, error)
	FindPrincipalByLogin(ctx context.Context, login string) (Principal, error)
	// ListPrincipals returns a page ordered by login plus the total count.
	ListPrincipals(ctx context.Context, limit, offset int) ([]Principal, int, error)
	UpdatePrincipal(ctx context.Context, id string, upd PrincipalUpdate) (Principal, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	// DeletePrincipal removes the principal and cascades to its tokens,
	// group memberships and pending codes.
	DeletePrincipal(ctx context.Context, id string) error
}

// GroupStore manages permission groups and memberships.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *PermissionGroup) error
	FindGroup(ctx context.Context, id string) (PermissionGroup, error)
	ListGroups(ctx context.Context) ([]PermissionGroup, error)
	SetGroupPermissions(ctx context.Context, id string, permissions []string) error
	DeleteGroup(ctx context.Context, id string) error
	AddGroupMember(ctx context.Context, groupID, principalID string) error
	RemoveGroupMember(ctx context.Context, groupID, principalID string) error
}

// TokenStore manages bearer token records.
type TokenStore interface {
	// IssueOrRefreshToken returns the principal's active (expiry after now)
	// token with its expiry extended to expiresAt, or persists fresh with
	// that expiry when none is active. Atomic: two concurrent calls for the
	// same principal converge on one active token.
	IssueOrRefreshToken(ctx context.Context, principalID, fresh string, now, expiresAt time.Time) (BearerToken, error)
	FindToken(ctx context.Context, value string) (BearerToken, error)
	// SetTokenExpiry moves the token's expiry to expiresAt iff the token is
	// still active at now; a dead token reports ErrTokenExpired and a missing
	// one ErrInvalidToken. Atomic, so a keep-alive racing a revocation can
	// never resurrect the token.
	SetTokenExpiry(ctx context.Context, value string, now, expiresAt time.Time) error
}

// CodeStore manages one-time signin and restore codes.
type CodeStore interface {
	SaveSigninCode(ctx context.Context, c SigninCode) error
	// ConsumeSigninCode marks the code consumed iff it matches the
	// principal, is unconsumed and unexpired at now; otherwise
	// ErrCodeMismatch. Atomic: at most one caller ever succeeds.
	ConsumeSigninCode(ctx context.Context, principalID, code string, now time.Time) error

	SaveRestoreCode(ctx context.Context, c RestoreCode) error
	// CheckRestoreCode reports validity without consuming, so a rejected
	// replacement password does not burn the code.
	CheckRestoreCode(ctx context.Context, principalID, code string, now time.Time) error
	ConsumeRestoreCode(ctx context.Context, principalID, code string, now time.Time) error
}

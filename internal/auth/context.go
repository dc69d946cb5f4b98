package auth

import "context"

type ctxKey int

const (
	actorKey ctxKey = iota
	tokenKey
)

// ContextWithPrincipal returns a context carrying the resolved caller. Audit
// events emitted further down the call chain pick it up as the actor.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, actorKey, p)
}

// PrincipalFromContext reports the resolved caller, if one was attached.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(actorKey).(Principal)
	return p, ok
}

// ContextWithToken returns a context carrying the caller's raw bearer token,
// so handlers acting on "the current session" need not re-parse the header.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext reports the caller's bearer token, if one was attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	token, ok := ctx.Value(tokenKey).(string)
	return token, ok && token != ""
}

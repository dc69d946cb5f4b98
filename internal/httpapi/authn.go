package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"keygate.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// resolve authenticates the request's bearer token and authorizes it against
// the required permissions. On success the returned request carries the
// principal and token in its context, so downstream service calls attribute
// audit events to the caller. On failure the response is already written and
// ok is false.
func (a *API) resolve(w http.ResponseWriter, r *http.Request, required ...string) (auth.Principal, *http.Request, bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return auth.Principal{}, r, false
	}
	principal, err := a.svc.Resolve(r.Context(), token, required)
	if err != nil {
		handleAuthError(w, r, err)
		return auth.Principal{}, r, false
	}
	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	ctx = auth.ContextWithToken(ctx, token)
	return principal, r.WithContext(ctx), true
}
